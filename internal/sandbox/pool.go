package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PooledContainer is one pre-warmed, engine-native container tracked
// by the Pool (§4.F).
type PooledContainer struct {
	ID        string
	Language  Language
	CreatedAt time.Time
	LastUsed  time.Time
	InUse     bool
}

// PoolConfig bounds how many idle containers the Pool keeps warm per
// language and how long a container may live before it is recycled.
type PoolConfig struct {
	MinIdle         int           // minimum warm containers per language
	MaxIdle         int           // maximum warm containers per language (cap on reuse depth)
	RefillDelay     time.Duration // how often the background refill sweep runs
	MaxAge          time.Duration // max container age before forced recycling
	AcquireDeadline time.Duration // how long Acquire blocks waiting for a container to free up once at MaxIdle
}

func (c *PoolConfig) applyDefaults() {
	if c.MinIdle < 0 {
		c.MinIdle = 0
	}
	if c.MinIdle == 0 && c.MaxIdle == 0 {
		c.MinIdle = 2
	}
	if c.MaxIdle < c.MinIdle {
		c.MaxIdle = c.MinIdle * 2
	}
	if c.RefillDelay == 0 {
		c.RefillDelay = 500 * time.Millisecond
	}
	if c.MaxAge == 0 {
		c.MaxAge = 5 * time.Minute
	}
	if c.AcquireDeadline == 0 {
		c.AcquireDeadline = 5 * time.Second
	}
}

// langSize overrides MinIdle/MaxIdle for one language; zero fields fall
// back to the Pool's shared PoolConfig.
type langSize struct {
	minIdle, maxIdle int
}

// Pool maintains pre-warmed containers per language so executions
// avoid per-request container startup latency (§4.F). Acquire hands
// out an idle container or creates one on a miss (bounded by MaxIdle);
// Release either returns a cleanly-reset container to the idle queue
// or tears down a dirty one.
type Pool struct {
	engine    Engine
	profile   SecurityProfile
	languages []Language
	cfg       PoolConfig

	mu       sync.Mutex
	idle     map[Language][]*PooledContainer
	total    map[Language]int           // idle + in-use, bounds concurrent creation
	waiters  map[Language]chan struct{} // closed to wake Acquire callers blocked at MaxIdle
	sizes    map[Language]langSize      // per-language MinIdle/MaxIdle overrides, see SetLanguageSize

	done chan struct{}
	wg   sync.WaitGroup
}

func NewPool(engine Engine, profile SecurityProfile, languages []Language, cfg PoolConfig) *Pool {
	cfg.applyDefaults()

	p := &Pool{
		engine:    engine,
		profile:   profile,
		languages: languages,
		cfg:       cfg,
		idle:      make(map[Language][]*PooledContainer),
		total:     make(map[Language]int),
		waiters:   make(map[Language]chan struct{}),
		sizes:     make(map[Language]langSize),
		done:      make(chan struct{}),
	}
	return p
}

// SetLanguageSize overrides the pool's shared MinIdle/MaxIdle for a
// single language (spec's "per-language pool sizes" configuration
// knob). Call before Start.
func (p *Pool) SetLanguageSize(lang Language, minIdle, maxIdle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sizes[lang] = langSize{minIdle: minIdle, maxIdle: maxIdle}
}

// minMaxFor returns the effective MinIdle/MaxIdle for lang. Must be
// called with p.mu held.
func (p *Pool) minMaxFor(lang Language) (minIdle, maxIdle int) {
	if s, ok := p.sizes[lang]; ok {
		return s.minIdle, s.maxIdle
	}
	return p.cfg.MinIdle, p.cfg.MaxIdle
}

// Start pre-warms MinIdle containers per language and launches the
// background refill/reap sweep.
func (p *Pool) Start(ctx context.Context) {
	for _, lang := range p.languages {
		p.mu.Lock()
		minIdle, _ := p.minMaxFor(lang)
		p.mu.Unlock()
		for i := 0; i < minIdle; i++ {
			if c, err := p.create(ctx, lang); err != nil {
				log.Warn().Err(err).Str("language", lang.String()).Msg("failed to pre-warm container")
			} else {
				p.mu.Lock()
				p.idle[lang] = append(p.idle[lang], c)
				p.mu.Unlock()
			}
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sweepLoop(ctx)
	}()

	log.Info().
		Int("min_idle", p.cfg.MinIdle).
		Int("max_idle", p.cfg.MaxIdle).
		Msg("container pool started")
}

func (p *Pool) create(ctx context.Context, lang Language) (*PooledContainer, error) {
	id, err := p.engine.CreateWarm(ctx, lang, p.profile)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	p.mu.Lock()
	p.total[lang]++
	p.mu.Unlock()

	return &PooledContainer{ID: id, Language: lang, CreatedAt: now, LastUsed: now}, nil
}

// Acquire returns an idle container for lang, creating a fresh one if
// none are idle and the per-language cap has not been reached. Once at
// MaxIdle with nothing idle, it blocks until a container is released or
// AcquireDeadline elapses, returning ErrPoolExhausted if the deadline
// passes first.
func (p *Pool) Acquire(ctx context.Context, lang Language) (*PooledContainer, error) {
	deadline := time.Now().Add(p.cfg.AcquireDeadline)

	for {
		p.mu.Lock()
		queue := p.idle[lang]
		if len(queue) > 0 {
			c := queue[len(queue)-1]
			p.idle[lang] = queue[:len(queue)-1]
			c.InUse = true
			p.mu.Unlock()
			log.Debug().Str("language", lang.String()).Str("container_id", c.ID).Msg("acquired warm container from pool")
			return c, nil
		}

		_, maxIdle := p.minMaxFor(lang)
		if p.total[lang] < maxIdle {
			p.mu.Unlock()
			c, err := p.create(ctx, lang)
			if err != nil {
				return nil, err
			}
			c.InUse = true
			return c, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			return nil, &Error{Kind: KindResourceLimitExceeded, Op: "pool_acquire", Err: ErrPoolExhausted}
		}
		wake := p.waiter(lang)
		p.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, &Error{Kind: KindResourceLimitExceeded, Op: "pool_acquire", Err: ErrPoolExhausted}
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// waiter returns the channel Acquire callers for lang block on, creating
// one if needed. Must be called with p.mu held.
func (p *Pool) waiter(lang Language) chan struct{} {
	if ch, ok := p.waiters[lang]; ok {
		return ch
	}
	ch := make(chan struct{})
	p.waiters[lang] = ch
	return ch
}

// wake releases every Acquire call blocked on lang. Must be called with
// p.mu held.
func (p *Pool) wake(lang Language) {
	if ch, ok := p.waiters[lang]; ok {
		close(ch)
		delete(p.waiters, lang)
	}
}

// Release returns a container to the idle queue after resetting it,
// or removes it entirely when dirty (the execution left the container
// in a state unsafe to reuse, e.g. after a timeout kill).
func (p *Pool) Release(ctx context.Context, c *PooledContainer, dirty bool) {
	if dirty {
		p.discard(ctx, c)
		return
	}

	if err := p.engine.Reset(ctx, c.ID); err != nil {
		log.Warn().Err(err).Str("container_id", c.ID).Msg("reset failed, discarding container")
		p.discard(ctx, c)
		return
	}

	c.InUse = false
	c.LastUsed = time.Now()

	p.mu.Lock()
	p.idle[c.Language] = append(p.idle[c.Language], c)
	p.wake(c.Language)
	p.mu.Unlock()
}

func (p *Pool) discard(ctx context.Context, c *PooledContainer) {
	p.mu.Lock()
	if p.total[c.Language] > 0 {
		p.total[c.Language]--
	}
	p.wake(c.Language)
	p.mu.Unlock()

	if err := p.engine.Remove(ctx, c.ID); err != nil {
		log.Warn().Err(err).Str("container_id", c.ID).Msg("failed to remove discarded container")
	}
}

// Size reports the number of idle containers for a language.
func (p *Pool) Size(lang Language) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[lang])
}

func (p *Pool) Stop(ctx context.Context) {
	close(p.done)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for lang, queue := range p.idle {
		for _, c := range queue {
			if err := p.engine.Remove(ctx, c.ID); err != nil {
				log.Warn().Err(err).Str("language", lang.String()).Msg("failed to cleanup pooled container")
			}
		}
		if len(queue) > 0 {
			log.Info().Str("language", lang.String()).Int("count", len(queue)).Msg("drained pool containers")
		}
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RefillDelay)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reap(ctx)
			p.refill(ctx)
		}
	}
}

// reap recycles idle containers that have exceeded MaxAge.
func (p *Pool) reap(ctx context.Context) {
	now := time.Now()

	for _, lang := range p.languages {
		p.mu.Lock()
		queue := p.idle[lang]
		var kept, stale []*PooledContainer
		for _, c := range queue {
			if now.Sub(c.CreatedAt) > p.cfg.MaxAge {
				stale = append(stale, c)
			} else {
				kept = append(kept, c)
			}
		}
		p.idle[lang] = kept
		p.mu.Unlock()

		for _, c := range stale {
			log.Debug().Str("language", lang.String()).Str("container_id", c.ID).Msg("recycling aged-out container")
			p.discard(ctx, c)
		}
	}
}

// refill tops each language's idle queue back up to MinIdle.
func (p *Pool) refill(ctx context.Context) {
	for _, lang := range p.languages {
		p.mu.Lock()
		current := len(p.idle[lang])
		minIdle, maxIdle := p.minMaxFor(lang)
		atCap := p.total[lang] >= maxIdle
		p.mu.Unlock()

		if current >= minIdle || atCap {
			continue
		}

		select {
		case <-p.done:
			return
		default:
		}

		c, err := p.create(ctx, lang)
		if err != nil {
			log.Warn().Err(err).Str("language", lang.String()).Msg("failed to refill pool")
			continue
		}

		p.mu.Lock()
		p.idle[lang] = append(p.idle[lang], c)
		p.mu.Unlock()
	}
}
