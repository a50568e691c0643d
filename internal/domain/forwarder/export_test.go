package forwarder

import "time"

// SetSleep подменяет паузы реального времени в тестах.
func (f *Forwarder) SetSleep(fn func(time.Duration)) { f.sleep = fn }
