package pool

import (
	"errors"
	"sync"

	"github.com/adwski/sfu-signaling/config"
	"github.com/jiyeyuran/mediasoup-go"
	"github.com/rs/zerolog"
)

var (
	ErrWorkerInit = errors.New("unable to start media worker")
	ErrNoWorkers  = errors.New("worker pool is empty")
)

// Slot is one pool entry: a live media worker plus load counters.
// Counters are recomputed from a room scan, they are never bumped in place.
type Slot struct {
	Index        int
	PID          int
	Participants int
	Rooms        int

	worker *mediasoup.Worker
}

func (s *Slot) Worker() *mediasoup.Worker {
	return s.worker
}

// RoomLoad is one room's contribution to the counters of its worker slot.
type RoomLoad struct {
	WorkerIndex  int
	Participants int
}

type SlotStats struct {
	WorkerIndex  int `json:"workerIndex"`
	Participants int `json:"participantCount"`
	Rooms        int `json:"roomCount"`
}

// Pool owns a fixed set of media workers for the process lifetime and
// places new rooms on the least loaded one.
type Pool struct {
	logger zerolog.Logger
	mx     sync.Mutex
	slots  []*Slot
}

// NewPool spawns cfg.WorkerPoolSize workers. Partial pools are not accepted:
// if any worker fails to start, the already started ones are closed and
// ErrWorkerInit is returned. A worker dying later is fatal and is surfaced
// on errc.
func NewPool(cfg *config.Config, logger *zerolog.Logger, errc chan<- error) (*Pool, error) {
	p := &Pool{
		logger: logger.With().Str("component", "worker-pool").Logger(),
		slots:  make([]*Slot, 0, cfg.WorkerPoolSize),
	}

	opts := []mediasoup.Option{
		mediasoup.WithLogLevel(mediasoup.WorkerLogLevel(cfg.Worker.LogLevel)),
		mediasoup.WithLogTags(workerLogTags(cfg.Worker.LogTags)),
		mediasoup.WithRtcMinPort(cfg.Worker.RtcMinPort),
		mediasoup.WithRtcMaxPort(cfg.Worker.RtcMaxPort),
	}
	if cfg.Worker.DtlsCertificateFile != "" && cfg.Worker.DtlsPrivateKeyFile != "" {
		opts = append(opts, mediasoup.WithDtlsCert(cfg.Worker.DtlsCertificateFile, cfg.Worker.DtlsPrivateKeyFile))
	}

	for i := 0; i < cfg.WorkerPoolSize; i++ {
		worker, err := mediasoup.NewWorker(opts...)
		if err != nil {
			p.Close()
			return nil, errors.Join(ErrWorkerInit, err)
		}
		slot := &Slot{
			Index:  i,
			PID:    worker.Pid(),
			worker: worker,
		}
		worker.On("died", func(err error) {
			p.logger.Error().Err(err).
				Int("index", slot.Index).
				Int("pid", slot.PID).
				Msg("media worker died")
			errc <- errors.Join(ErrWorkerInit, err)
		})
		p.slots = append(p.slots, slot)
		p.logger.Info().
			Int("index", slot.Index).
			Int("pid", slot.PID).
			Msg("media worker started")
	}
	return p, nil
}

// Size returns the number of pool slots.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Worker returns the worker handle of a slot.
func (p *Pool) Worker(index int) *mediasoup.Worker {
	return p.slots[index].worker
}

// PickLeastLoaded returns the index of the slot with the fewest
// participants; ties go to the smallest index. Callers refresh counters
// from a room scan first.
func (p *Pool) PickLeastLoaded() (int, error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	if len(p.slots) == 0 {
		return 0, ErrNoWorkers
	}
	best := p.slots[0]
	for _, slot := range p.slots[1:] {
		if slot.Participants < best.Participants {
			best = slot
		}
	}
	p.logger.Debug().
		Int("index", best.Index).
		Int("participants", best.Participants).
		Msg("picked worker for new room")
	return best.Index, nil
}

// Refresh recomputes slot counters from a scan of live rooms.
// Slots with no rooms are zeroed.
func (p *Pool) Refresh(loads []RoomLoad) {
	p.mx.Lock()
	defer p.mx.Unlock()

	for _, slot := range p.slots {
		slot.Participants = 0
		slot.Rooms = 0
	}
	for _, load := range loads {
		if load.WorkerIndex < 0 || load.WorkerIndex >= len(p.slots) {
			continue
		}
		slot := p.slots[load.WorkerIndex]
		slot.Rooms++
		slot.Participants += load.Participants
	}
}

// Stats returns a snapshot keyed by worker pid.
func (p *Pool) Stats() map[int]SlotStats {
	p.mx.Lock()
	defer p.mx.Unlock()

	stats := make(map[int]SlotStats, len(p.slots))
	for _, slot := range p.slots {
		stats[slot.PID] = SlotStats{
			WorkerIndex:  slot.Index,
			Participants: slot.Participants,
			Rooms:        slot.Rooms,
		}
	}
	return stats
}

// Close shuts down every worker.
func (p *Pool) Close() {
	for _, slot := range p.slots {
		slot.worker.Close()
	}
}

func workerLogTags(tags []string) []mediasoup.WorkerLogTag {
	out := make([]mediasoup.WorkerLogTag, 0, len(tags))
	for _, t := range tags {
		out = append(out, mediasoup.WorkerLogTag(t))
	}
	return out
}
