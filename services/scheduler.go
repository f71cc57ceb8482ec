package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"graphloom/models"
)

// TenantBatch ist die Arbeit eines Workers: die Imports eines Containers in FIFO-Reihenfolge.
type TenantBatch struct {
	ContainerID string
	ImportIDs   []uint
}

// WorkSource liefert die aktuell verarbeitbaren Imports.
type WorkSource interface {
	Eligible(ctx context.Context, maxRetries int, excludeContainers []string) ([]models.Import, error)
}

// Runner verarbeitet einen TenantBatch.
type Runner interface {
	RunPass(ctx context.Context, batch TenantBatch) error
}

// Locker sichert exklusiven Zugriff auf einen Container. Ist der Container
// gesperrt, wird fn nicht aufgerufen und acquired ist false.
type Locker interface {
	WithLock(ctx context.Context, containerID string, fn func(ctx context.Context) error) (acquired bool, err error)
}

// GroupByContainer fasst Imports pro Container zusammen. Die Reihenfolge der
// Container folgt ihrem ältesten Import, innerhalb eines Containers bleibt sie erhalten.
func GroupByContainer(imports []models.Import) []TenantBatch {
	var out []TenantBatch
	pos := make(map[string]int)
	for _, imp := range imports {
		i, ok := pos[imp.ContainerID]
		if !ok {
			i = len(out)
			pos[imp.ContainerID] = i
			out = append(out, TenantBatch{ContainerID: imp.ContainerID})
		}
		out[i].ImportIDs = append(out[i].ImportIDs, imp.ID)
	}
	return out
}

// Scheduler verteilt die Container auf einen begrenzten Worker-Pool. Ein Worker
// bearbeitet genau einen Container; jeder Container wird pro Zyklus höchstens
// einmal bearbeitet.
type Scheduler struct {
	Work       WorkSource
	Runner     Runner
	Locker     Locker
	Workers    int
	MaxRetries int
	Logger     *zap.Logger

	running atomic.Bool
}

// NewScheduler erstellt einen neuen Scheduler.
func NewScheduler(work WorkSource, runner Runner, locker Locker, workers, maxRetries int, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		Work:       work,
		Runner:     runner,
		Locker:     locker,
		Workers:    max(workers, 1),
		MaxRetries: maxRetries,
		Logger:     logger,
	}
}

// Run führt einen Zyklus aus und kehrt zurück, sobald keine Arbeit mehr ansteht
// und alle Worker fertig sind. Läuft bereits ein Zyklus, passiert nichts.
func (s *Scheduler) Run(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.Logger.Info("Verarbeitungszyklus läuft noch, Aufruf übersprungen")
		return 0, nil
	}
	defer s.running.Store(false)

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan string)
	inFlight := make(map[string]bool)
	visited := make(map[string]bool)

	var (
		queue   []TenantBatch
		listErr error
		busy    int
		handled int
	)
	refill := func() {
		if listErr != nil {
			return
		}
		exclude := make([]string, 0, len(visited))
		for c := range visited {
			exclude = append(exclude, c)
		}
		imports, err := s.Work.Eligible(gctx, s.MaxRetries, exclude)
		if err != nil {
			listErr = fmt.Errorf("list eligible imports: %w", err)
			queue = nil
			return
		}
		queue = GroupByContainer(imports)
	}

	refill()
loop:
	for {
		for busy < s.Workers && len(queue) > 0 {
			b := queue[0]
			queue = queue[1:]
			if inFlight[b.ContainerID] || visited[b.ContainerID] {
				continue
			}
			visited[b.ContainerID] = true
			inFlight[b.ContainerID] = true
			busy++
			g.Go(func() error {
				s.work(gctx, b)
				select {
				case done <- b.ContainerID:
				case <-gctx.Done():
				}
				return nil
			})
		}
		if busy == 0 {
			break
		}
		select {
		case c := <-done:
			busy--
			handled++
			delete(inFlight, c)
			refill()
		case <-gctx.Done():
			break loop
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return handled, err
	}
	s.Logger.Info("Verarbeitungszyklus abgeschlossen",
		zap.Int("containers", handled),
		zap.Duration("duration", time.Since(started)))
	return handled, listErr
}

func (s *Scheduler) work(ctx context.Context, b TenantBatch) {
	log := s.Logger.With(zap.String("container_id", b.ContainerID), zap.Int("imports", len(b.ImportIDs)))
	acquired, err := s.Locker.WithLock(ctx, b.ContainerID, func(ctx context.Context) error {
		return s.Runner.RunPass(ctx, b)
	})
	switch {
	case err != nil:
		log.Error("Verarbeitung des Containers fehlgeschlagen", zap.Error(err))
	case !acquired:
		log.Debug("Container ist gesperrt, wird in diesem Zyklus übersprungen")
	}
}

// GormLocker nutzt PostgreSQL-Advisory-Locks auf einer eigenen Session.
type GormLocker struct {
	DB *gorm.DB
}

// NewGormLocker erstellt einen neuen GormLocker.
func NewGormLocker(db *gorm.DB) *GormLocker {
	return &GormLocker{DB: db}
}

func (l *GormLocker) WithLock(ctx context.Context, containerID string, fn func(ctx context.Context) error) (bool, error) {
	acquired := false
	err := l.DB.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Raw("SELECT pg_try_advisory_lock(hashtext(?))", containerID).Scan(&acquired).Error; err != nil {
			return fmt.Errorf("try advisory lock for %s: %w", containerID, err)
		}
		if !acquired {
			return nil
		}
		defer conn.WithContext(context.WithoutCancel(ctx)).Exec("SELECT pg_advisory_unlock(hashtext(?))", containerID)
		return fn(ctx)
	})
	return acquired, err
}

var (
	_ Locker = (*GormLocker)(nil)
	_ Runner = (*Processor)(nil)
)
