// Package telegram — реализация транспортного контракта gateway поверх gotd.
// Каждый аккаунт флота получает собственный MTProto-клиент с файловой сессией,
// bbolt-кэшем пиров и middleware-цепочкой flood-wait + rate-limit.
package telegram

import (
	"context"
	"os"
	"sync"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"

	"github.com/sword-epi/spectra/internal/infra/storage"
)

// sessionFile — файловое хранилище MTProto-сессии одного аккаунта.
// Реализует tdsession.Storage; запись атомарная, чтобы обрыв процесса
// не оставил полусохранённую сессию.
type sessionFile struct {
	path string
	mux  sync.Mutex
}

// LoadSession читает файл сессии. Отсутствие файла — штатный случай
// первого входа: gotd запустит интерактивную авторизацию.
func (s *sessionFile) LoadSession(_ context.Context) ([]byte, error) {
	if s == nil {
		return nil, errors.New("session storage is nil")
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read session %s", s.path)
	}
	return data, nil
}

// StoreSession атомарно сохраняет сессию на диск.
func (s *sessionFile) StoreSession(_ context.Context, data []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return storage.AtomicWriteFile(s.path, data)
}
