package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/sword-epi/spectra/internal/infra/logger"
	"github.com/sword-epi/spectra/internal/infra/storage"
)

// State — устойчивый набор обработанных пар "channelId:sessionHandle".
// Наличие пары означает терминальность: приглашение больше не повторяется.
type State struct {
	path string

	mu   sync.Mutex
	done map[string]bool
}

func pairKey(channelID int64, sessionHandle string) string {
	return strconv.FormatInt(channelID, 10) + ":" + sessionHandle
}

// LoadState читает файл состояния. Отсутствующий или битый файл — не ошибка:
// очередь начинает с чистого листа, а повторное приглашение безвредно.
func LoadState(path string) *State {
	st := &State{path: path, done: make(map[string]bool)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("read invitation state %s: %v", path, err)
		}
		return st
	}
	var pairs []string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		logger.Warnf("parse invitation state %s: %v; starting fresh", path, err)
		return st
	}
	for _, p := range pairs {
		st.done[p] = true
	}
	return st
}

// Has сообщает, обработана ли пара.
func (s *State) Has(channelID int64, sessionHandle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[pairKey(channelID, sessionHandle)]
}

// Mark фиксирует пару как обработанную и атомарно сохраняет файл.
func (s *State) Mark(channelID int64, sessionHandle string) error {
	s.mu.Lock()
	s.done[pairKey(channelID, sessionHandle)] = true
	pairs := make([]string, 0, len(s.done))
	for p := range s.done {
		pairs = append(pairs, p)
	}
	s.mu.Unlock()

	sort.Strings(pairs)
	if err := storage.WriteJSON(s.path, pairs); err != nil {
		return fmt.Errorf("save invitation state: %w", err)
	}
	return nil
}

// Len возвращает число обработанных пар.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.done)
}
