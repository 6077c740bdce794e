package model

import (
	"runtime"
	"sync"

	"github.com/samcharles93/tinystory/internal/tensor"
)

type attnTask struct {
	ctx    *attnContext
	rs, re int
	done   chan struct{}
}

type attnContext struct {
	q, cacheK, cacheV []float32
	attnOut           []float32

	pos, start int
	hidden     int
	headDim    int
	scale      float32
}

// attnPool runs attention heads in parallel. Each worker owns a scores
// buffer of maxCtx entries.
type attnPool struct {
	size      int
	tasks     chan attnTask
	doneSlots chan chan struct{}
	scores    []float32
	maxCtx    int
	closeOnce sync.Once
}

func attnWorkersFor(nHead int) int {
	workers := max(runtime.GOMAXPROCS(0), 1)
	if nHead > 0 {
		workers = min(workers, nHead)
	}
	return max(workers, 1)
}

func newAttnPool(workers, maxCtx int) *attnPool {
	workers = max(workers, 1)
	maxCtx = max(maxCtx, 1)
	p := &attnPool{
		size:      workers,
		tasks:     make(chan attnTask, workers*2),
		doneSlots: make(chan chan struct{}, 1),
		scores:    make([]float32, workers*maxCtx),
		maxCtx:    maxCtx,
	}
	p.doneSlots <- make(chan struct{}, workers)
	if workers == 1 {
		return p
	}
	for i := range workers {
		scoresBuf := p.scores[i*maxCtx : (i+1)*maxCtx]
		go func() {
			for task := range p.tasks {
				runAttnHeads(task.ctx, scoresBuf, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// run computes every head of ctx, splitting heads across the workers.
func (p *attnPool) run(ctx *attnContext, nHead int) {
	if p.size <= 1 {
		runAttnHeads(ctx, p.scores[:p.maxCtx], 0, nHead)
		return
	}
	chunk := (nHead + p.size - 1) / p.size
	done := <-p.doneSlots
	active := 0
	for i := range p.size {
		rs := i * chunk
		re := min(rs+chunk, nHead)
		if rs >= re {
			break
		}
		active++
		p.tasks <- attnTask{ctx: ctx, rs: rs, re: re, done: done}
	}
	for range active {
		<-done
	}
	p.doneSlots <- done
}

func (p *attnPool) close() {
	p.closeOnce.Do(func() { close(p.tasks) })
}

func runAttnHeads(ctx *attnContext, scoresBuf []float32, rs, re int) {
	if ctx == nil || rs >= re {
		return
	}
	if ctx.start < 0 || ctx.start > ctx.pos {
		panic("invalid attention window start")
	}
	winLen := ctx.pos - ctx.start + 1
	if winLen > len(scoresBuf) {
		panic("attention scores buffer too small")
	}
	scores := scoresBuf[:winLen]
	for h := rs; h < re; h++ {
		off := h * ctx.headDim
		qh := ctx.q[off : off+ctx.headDim]
		for t := ctx.start; t <= ctx.pos; t++ {
			koff := t*ctx.hidden + off
			scores[t-ctx.start] = tensor.Dot(qh, ctx.cacheK[koff:koff+ctx.headDim]) * ctx.scale
		}
		tensor.Softmax(scores)
		out := ctx.attnOut[off : off+ctx.headDim]
		clear(out)
		for t := ctx.start; t <= ctx.pos; t++ {
			w := scores[t-ctx.start]
			voff := t*ctx.hidden + off
			for d, v := range ctx.cacheV[voff : voff+ctx.headDim] {
				out[d] += w * v
			}
		}
	}
}
