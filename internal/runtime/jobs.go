package runtime

import (
	"context"
	"encoding/json"

	"github.com/beatrix-ha/beatrix/internal/llmloop"
	"github.com/beatrix-ha/beatrix/internal/model"
)

// reconcile enqueues a scheduling job for every current automation with no
// alive signal. Re-running it for an already-scheduled automation is a
// no-op.
func (r *Runtime) reconcile(ctx context.Context) {
	r.mu.Lock()
	hashes := make([]string, 0, len(r.automations))
	for h := range r.automations {
		hashes = append(hashes, h)
	}
	r.mu.Unlock()

	for _, hash := range hashes {
		alive, err := r.store.AliveSignalsForHash(ctx, hash)
		if err != nil {
			r.logger.Error("runtime: reconcile: list alive signals failed", "hash", hash, "error", err)
			continue
		}
		if len(alive) == 0 {
			r.enqueue(job{kind: jobScheduling, hash: hash})
		}
	}
}

func (r *Runtime) consumeFired(ctx context.Context) {
	for f := range r.trigger.Events() {
		r.enqueue(job{kind: jobExecution, hash: f.AutomationHash, signal: f.Signal})
	}
}

// enqueue appends j to its automation's per-hash queue, coalescing to the
// latest entry once the queue is saturated, and starts draining it if
// nothing is already in flight for that hash.
func (r *Runtime) enqueue(j job) {
	r.qmu.Lock()
	if r.stopped {
		r.qmu.Unlock()
		return
	}
	q, ok := r.queues[j.hash]
	if !ok {
		q = &hashQueue{}
		r.queues[j.hash] = q
	}
	r.qmu.Unlock()

	q.mu.Lock()
	if len(q.pending) >= queueDepth {
		q.pending = q.pending[1:]
		r.logger.Warn("runtime: per-automation queue saturated, coalescing to latest", "hash", j.hash)
	}
	q.pending = append(q.pending, j)
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	if start {
		r.wg.Add(1)
		go r.drainQueue(j.hash, q)
	}
}

// drainQueue serializes every job for one automation hash, bounding total
// concurrency across hashes via the global worker semaphore.
func (r *Runtime) drainQueue(hash string, q *hashQueue) {
	defer r.wg.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		r.sem <- struct{}{}
		r.runJob(context.Background(), j)
		<-r.sem
	}
}

func (r *Runtime) runJob(ctx context.Context, j job) {
	switch j.kind {
	case jobScheduling:
		r.runScheduling(ctx, j.hash)
	case jobExecution:
		r.runExecution(ctx, j)
	}
}

// runScheduling drives one determine-signal conversation.
func (r *Runtime) runScheduling(ctx context.Context, hash string) {
	automation, ok := r.getAutomation(hash)
	if !ok {
		return
	}
	memoryText, err := r.memory.Read()
	if err != nil {
		r.logger.Warn("runtime: scheduling: read memory failed", "hash", hash, "error", err)
	}

	jobProvider, loopCfg := r.providerFor(automation)
	loop := llmloop.New(jobProvider, loopCfg)
	suite := r.schedulingSuite(hash)
	ch, err := loop.Run(ctx, llmloop.Input{
		SystemPromptPrefix: schedulerPrompt(automation, memoryText),
		UserPrompt:         "Determine and create the trigger(s) this automation needs.",
		Tools:              suite.Registry(),
	})
	if err != nil {
		r.logger.Error("runtime: scheduling: loop run failed", "hash", hash, "error", err)
		return
	}
	transcript := drain(ch)

	entry := &model.AutomationLogEntry{
		AutomationHash: hash,
		Type:           model.LogDetermineSignal,
		Messages:       transcript,
	}
	if _, err := r.store.AppendAutomationLog(ctx, entry); err != nil {
		r.logger.Error("runtime: scheduling: append log failed", "hash", hash, "error", err)
		return
	}

	signals, err := r.store.AliveSignalsForHash(ctx, hash)
	if err != nil {
		r.logger.Error("runtime: scheduling: reload signals failed", "hash", hash, "error", err)
		return
	}
	for _, sig := range signals {
		r.trigger.AddSignal(sig)
	}
}

// runExecution drives one execute-signal (or cue) conversation, then
// atomically kills+logs one-shot signals so a crash between the two writes
// can never double-fire or lose the firing record.
func (r *Runtime) runExecution(ctx context.Context, j job) {
	var automation model.Automation
	var ok bool
	if j.isCue {
		automation, ok = r.getCue(j.hash)
	} else {
		automation, ok = r.getAutomation(j.hash)
	}
	if !ok {
		return
	}

	memoryText, err := r.memory.Read()
	if err != nil {
		r.logger.Warn("runtime: execution: read memory failed", "hash", j.hash, "error", err)
	}

	logID := newLogID()
	jobProvider, loopCfg := r.providerFor(automation)
	loop := llmloop.New(jobProvider, loopCfg)
	suite := r.executionSuite(logID)

	var prompt string
	if j.isCue {
		prompt = cuePrompt(automation, memoryText)
	} else {
		prompt = executePrompt(automation, memoryText, j.signal)
	}

	ch, err := loop.Run(ctx, llmloop.Input{
		SystemPromptPrefix: prompt,
		UserPrompt:         "Carry out this automation now.",
		Tools:              suite.Registry(),
	})
	if err != nil {
		r.logger.Error("runtime: execution: loop run failed", "hash", j.hash, "error", err)
		return
	}
	transcript := drain(ch)

	entry := &model.AutomationLogEntry{
		ID:             logID,
		AutomationHash: j.hash,
		Type:           model.LogExecuteSignal,
		Messages:       transcript,
		SignaledBy:     j.signal,
	}

	if j.signal != nil && isOneShot(j.signal) {
		if _, err := r.store.KillSignalAndInsertLog(ctx, j.signal.ID, entry); err != nil {
			r.logger.Error("runtime: execution: kill-and-log failed", "hash", j.hash, "error", err)
			return
		}
		r.trigger.RemoveSignal(j.signal.ID)
		return
	}

	if _, err := r.store.AppendAutomationLog(ctx, entry); err != nil {
		r.logger.Error("runtime: execution: append log failed", "hash", j.hash, "error", err)
	}
}

// isOneShot reports whether sig should be killed after firing: absolute
// time signals always, relative offsets unless repeatForever.
func isOneShot(sig *model.Signal) bool {
	switch sig.Kind {
	case model.KindTime:
		return true
	case model.KindOffset:
		var data model.OffsetData
		if err := json.Unmarshal(sig.Data, &data); err != nil {
			return false
		}
		return !data.RepeatForever
	default:
		return false
	}
}

func drain(ch <-chan model.MessageParam) []model.MessageParam {
	var out []model.MessageParam
	for msg := range ch {
		out = append(out, msg)
	}
	return out
}
