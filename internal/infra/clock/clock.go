// Package clock — инжектируемый источник времени.
// Реестр аккаунтов, ротатор и планировщик сравнивают кулдауны с «сейчас»;
// в тестах вместо системных часов подставляется управляемая функция.
package clock

import "time"

// Clock возвращает текущий момент. Обычная реализация — time.Now (в UTC).
type Clock func() time.Time

// System — системные часы в UTC. Все метки времени хранилища ведутся в UTC
// и переводятся в локальную зону только на чтении.
func System() Clock {
	return func() time.Time { return time.Now().UTC() }
}

// Fixed возвращает часы, всегда показывающие t. Удобно для табличных тестов.
func Fixed(t time.Time) Clock {
	return func() time.Time { return t }
}
