package fleet

import "time"

// SetSleep подменяет паузу между элементами батча в тестах.
func (m *Manager) SetSleep(fn func(time.Duration)) { m.sleep = fn }
