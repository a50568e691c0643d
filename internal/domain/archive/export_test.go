package archive

import (
	"time"

	"github.com/sword-epi/spectra/internal/infra/clock"
)

// SetSleep подменяет паузы между батчами в тестах.
func (p *Pipeline) SetSleep(fn func(time.Duration)) { p.sleep = fn }

// SetClock подменяет источник времени журнала скачиваний.
func (p *Pipeline) SetClock(c clock.Clock) { p.now = c }
