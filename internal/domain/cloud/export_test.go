package cloud

import "time"

// SetSleep подменяет реальные паузы в тестах.
func (q *Queue) SetSleep(fn func(time.Duration)) { q.sleep = fn }

// SetRand подменяет источник случайности джиттера.
func (q *Queue) SetRand(fn func() float64) { q.rand = fn }

// Jitter открывает расчёт паузы для проверки диапазона.
func (q *Queue) Jitter() time.Duration { return q.jitter() }

// Floor возвращает текущую нижнюю границу пауз.
func (q *Queue) Floor() time.Duration { return q.floor }
