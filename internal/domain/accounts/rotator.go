package accounts

import (
	"context"
	"math/rand"
	"sync"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/store"
)

// Policy — стратегия выбора следующего аккаунта.
type Policy string

const (
	PolicySequential Policy = "sequential"
	PolicyRandom     Policy = "random"
	PolicyLeastUsed  Policy = "leastUsed"
	PolicySmart      Policy = "smart"
)

// ErrNoAccountAvailable — все аккаунты забанены или в кулдауне.
var ErrNoAccountAvailable = errors.New("no eligible account available")

// ParsePolicy приводит строку конфигурации к Policy; неизвестные значения
// превращаются в sequential.
func ParsePolicy(value string) Policy {
	switch Policy(value) {
	case PolicySequential, PolicyRandom, PolicyLeastUsed, PolicySmart:
		return Policy(value)
	default:
		return PolicySequential
	}
}

// Rotator выбирает следующий пригодный аккаунт по политике. Выбор сразу
// фиксируется в реестре (usage_count++, last_used), так что конкурентные
// вызовы видят согласованные счётчики.
type Rotator struct {
	reg    *Registry
	policy Policy

	mu  sync.Mutex
	seq int // позиция sequential-курсора

	// intn подменяется в тестах для детерминированного random-выбора.
	intn func(n int) int
}

// NewRotator создаёт ротатор над реестром.
func NewRotator(reg *Registry, policy Policy) *Rotator {
	return &Rotator{
		reg:    reg,
		policy: policy,
		intn:   rand.Intn,
	}
}

// Next возвращает следующий аккаунт по политике или ErrNoAccountAvailable.
// Ничьи разрешаются лексикографически по sessionHandle: Eligible отдаёт
// аккаунты в порядке регистрации, а выбор ниже стабилен.
func (r *Rotator) Next(ctx context.Context) (store.AccountState, error) {
	eligible := r.reg.Eligible()
	if len(eligible) == 0 {
		return store.AccountState{}, ErrNoAccountAvailable
	}

	r.mu.Lock()
	var chosen store.AccountState
	switch r.policy {
	case PolicyRandom:
		chosen = eligible[r.intn(len(eligible))]
	case PolicyLeastUsed:
		chosen = pickBest(eligible, func(a store.AccountState) float64 {
			return -float64(a.UsageCount)
		})
	case PolicySmart:
		now := r.reg.now()
		chosen = pickBest(eligible, func(a store.AccountState) float64 {
			hoursSince := 1e6 // никогда не использованный аккаунт — лучший кандидат
			if !a.LastUsedAt.IsZero() {
				hoursSince = now.Sub(a.LastUsedAt).Hours()
			}
			return 0.7*hoursSince + 0.3/float64(a.UsageCount+1)
		})
	default: // sequential
		chosen = eligible[r.seq%len(eligible)]
		r.seq++
	}
	r.mu.Unlock()

	if err := r.reg.touchUsage(ctx, chosen.SessionHandle); err != nil {
		return store.AccountState{}, errors.Wrapf(err, "touch usage of %s", chosen.SessionHandle)
	}
	return chosen, nil
}

// pickBest возвращает аккаунт с максимальным score; при равенстве — с
// лексикографически меньшим sessionHandle (кандидаты уже отсортированы
// детерминированно, берём первый из лучших).
func pickBest(eligible []store.AccountState, score func(store.AccountState) float64) store.AccountState {
	best := eligible[0]
	bestScore := score(best)
	for _, a := range eligible[1:] {
		s := score(a)
		if s > bestScore || (s == bestScore && a.SessionHandle < best.SessionHandle) {
			best = a
			bestScore = s
		}
	}
	return best
}
