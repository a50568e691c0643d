// Package scheduler — ограниченный диспетчер параллельных задач, привязывающий
// задачи к аккаунтам флота. Гарантии:
//   - не более одной задачи на аккаунт одновременно;
//   - не более maxConcurrent задач всего;
//   - каждая фаза (старт/завершение) durably записана до следующего решения;
//   - отмена кооперативна: новые задачи не стартуют, текущие дорабатывают.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sword-epi/spectra/internal/domain/accounts"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/infra/logger"
)

// TaskLog — двухфазный журнал задач в хранилище.
type TaskLog interface {
	StartTask(ctx context.Context, taskID, kind, target, sessionHandle string) error
	CompleteTask(ctx context.Context, taskID string, success bool, taskErr, resultJSON string) error
}

// GatewayProvider выдаёт живой шлюз аккаунта (fleet.Manager).
type GatewayProvider interface {
	Gateway(ctx context.Context, sessionHandle string) (gateway.Gateway, error)
}

// TaskFunc — полезная работа одной задачи на привязанном шлюзе.
type TaskFunc func(ctx context.Context, gw gateway.Gateway, target string) (any, error)

// Result — итог задачи по одной цели.
type Result struct {
	Value any
	Err   error
}

// floodCooldown — кулдаун аккаунта при flood-классе ошибки задачи.
// Длиннее самого flood-wait: аккаунт, пойманный на лимите в параллельном
// проходе, выводится из ротации надолго.
const floodCooldown = time.Hour

// starvedSleep — пауза цикла, когда цели есть, а свободных аккаунтов нет.
const starvedSleep = time.Second

// Scheduler — диспетчер. Потокобезопасен в том смысле, что каждая операция
// ExecuteParallel самодостаточна; запускать их параллельно не предполагается.
type Scheduler struct {
	provider GatewayProvider
	registry *accounts.Registry
	tasks    TaskLog

	maxConcurrent int

	// sleep и newID подменяются в тестах.
	sleep func(time.Duration)
	newID func() string
}

// New создаёт планировщик. maxConcurrent ≤ 0 означает «по числу аккаунтов».
func New(provider GatewayProvider, registry *accounts.Registry, tasks TaskLog, maxConcurrent int) *Scheduler {
	return &Scheduler{
		provider:      provider,
		registry:      registry,
		tasks:         tasks,
		maxConcurrent: maxConcurrent,
		sleep:         time.Sleep,
		newID:         uuid.NewString,
	}
}

// completion — результат одной завершившейся задачи.
type completion struct {
	taskID string
	target string
	handle string
	value  any
	err    error
}

// ExecuteParallel прогоняет fn по всем целям, связывая каждую задачу со
// свободным аккаунтом. Возвращает карту цель → результат; порядок завершения
// не гарантируется. Ошибки отдельных задач не прерывают остальных.
func (s *Scheduler) ExecuteParallel(ctx context.Context, kind string, targets []string, fn TaskFunc) map[string]Result {
	results := make(map[string]Result, len(targets))
	if len(targets) == 0 {
		return results
	}

	pending := make([]string, len(targets))
	copy(pending, targets)

	maxConcurrent := s.maxConcurrent
	inUse := make(map[string]bool)
	available := s.refreshAvailable(inUse)
	if maxConcurrent <= 0 {
		maxConcurrent = len(available)
		if maxConcurrent == 0 {
			maxConcurrent = 1
		}
	}

	done := make(chan completion)
	inFlight := 0

	for len(pending) > 0 || inFlight > 0 {
		// Диспетчеризация: пока есть слот, цель и свободный аккаунт.
		for inFlight < maxConcurrent && len(pending) > 0 && len(available) > 0 && ctx.Err() == nil {
			target := pending[0]
			pending = pending[1:]
			handle := available[0]
			available = available[1:]
			inUse[handle] = true

			taskID := s.newID()
			if err := s.tasks.StartTask(ctx, taskID, kind, target, handle); err != nil {
				logger.Errorf("record task start %s: %v", taskID, err)
			}

			gw, err := s.provider.Gateway(ctx, handle)
			if err != nil {
				// Аккаунт не поднялся: задача завершается сразу, без запуска.
				inFlight++
				go func() { done <- completion{taskID: taskID, target: target, handle: handle, err: err} }()
				continue
			}

			inFlight++
			go func(taskID, target, handle string, gw gateway.Gateway) {
				value, err := fn(ctx, gw, target)
				done <- completion{taskID: taskID, target: target, handle: handle, value: value, err: err}
			}(taskID, target, handle, gw)
		}

		if inFlight == 0 {
			if ctx.Err() != nil {
				// Кооперативная отмена: остаток целей помечаем и выходим.
				for _, target := range pending {
					results[target] = Result{Err: ctx.Err()}
				}
				break
			}
			if len(pending) > 0 {
				// Все аккаунты заняты кулдаунами — ждём и перечитываем реестр.
				s.sleep(starvedSleep)
				available = s.refreshAvailable(inUse)
				if len(available) == 0 && len(s.registry.Eligible()) == 0 && allBanned(s.registry) {
					for _, target := range pending {
						results[target] = Result{Err: accounts.ErrNoAccountAvailable}
					}
					break
				}
				continue
			}
			break
		}

		c := <-done
		inFlight--
		delete(inUse, c.handle)

		s.recordCompletion(ctx, c)
		results[c.target] = Result{Value: c.value, Err: c.err}

		// Аккаунт возвращается в пул, если остался пригодным.
		if s.handleEligible(c.handle) {
			available = append(available, c.handle)
		}
	}

	s.logSummary(kind, results)
	return results
}

// refreshAvailable возвращает пригодные аккаунты, не занятые задачами.
func (s *Scheduler) refreshAvailable(inUse map[string]bool) []string {
	var out []string
	for _, a := range s.registry.Eligible() {
		if !inUse[a.SessionHandle] {
			out = append(out, a.SessionHandle)
		}
	}
	return out
}

// handleEligible сообщает, пригоден ли аккаунт к немедленному переиспользованию.
func (s *Scheduler) handleEligible(handle string) bool {
	for _, a := range s.registry.Eligible() {
		if a.SessionHandle == handle {
			return true
		}
	}
	return false
}

// allBanned — во флоте не осталось ни одного незабаненного аккаунта.
func allBanned(reg *accounts.Registry) bool {
	for _, a := range reg.Stats() {
		if !a.IsBanned {
			return false
		}
	}
	return true
}

// recordCompletion durably фиксирует завершение и обновляет здоровье аккаунта.
func (s *Scheduler) recordCompletion(ctx context.Context, c completion) {
	resultJSON := ""
	errText := ""
	if c.err != nil {
		errText = c.err.Error()
	} else if c.value != nil {
		if b, err := json.Marshal(c.value); err == nil {
			resultJSON = string(b)
		}
	}
	if err := s.tasks.CompleteTask(ctx, c.taskID, c.err == nil, errText, resultJSON); err != nil {
		logger.Errorf("record task completion %s: %v", c.taskID, err)
	}

	if c.err == nil {
		_ = s.registry.MarkSuccess(ctx, c.handle)
		return
	}
	cooldown := time.Duration(0)
	if _, isFlood := gateway.AsFloodWait(c.err); isFlood {
		cooldown = floodCooldown
	}
	_ = s.registry.MarkFailure(ctx, c.handle, c.err, cooldown)
}

// logSummary пишет человекочитаемый итог прохода: успехи/всего и классы ошибок.
func (s *Scheduler) logSummary(kind string, results map[string]Result) {
	ok := 0
	errClasses := make(map[string]int)
	for _, r := range results {
		if r.Err == nil {
			ok++
			continue
		}
		switch {
		case gateway.IsAuthFatal(r.Err):
			errClasses["auth"]++
		case gateway.IsTargetError(r.Err):
			errClasses["target"]++
		default:
			if _, isFlood := gateway.AsFloodWait(r.Err); isFlood {
				errClasses["flood"]++
			} else {
				errClasses["other"]++
			}
		}
	}
	if len(errClasses) == 0 {
		logger.Infof("%s tasks finished: %d/%d succeeded", kind, ok, len(results))
		return
	}
	logger.Infof("%s tasks finished: %d/%d succeeded, errors: %v", kind, ok, len(results), errClasses)
}
