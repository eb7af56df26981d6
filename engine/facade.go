package engine

import "github.com/coalesced/memoize/key"

// foldErr reconciles the two backend results of a façade dispatch (spec.md
// §7): a single-sided failure is not fatal to the caller since the other
// backend still did its job, so it's only logged via Logger.Warn. An
// InvalidateError is returned only when every configured backend failed.
func (e *Engine) foldErr(op string, k string, err1, err2 error) error {
	if err1 == nil && err2 == nil {
		return nil
	}
	bothConfigured := e.hasPersist
	bothFailed := err1 != nil && (!bothConfigured || err2 != nil)
	if bothFailed {
		return &InvalidateError{Key: k, PrimaryErr: err1, PersistErr: err2}
	}
	fields := Fields{"op": op}
	if k != "" {
		fields["key"] = k
	}
	if err1 != nil {
		fields["primary_err"] = err1
		e.logger.Warn("memoize: primary backend failed, persistent succeeded", fields)
	} else {
		fields["persist_err"] = err2
		e.logger.Warn("memoize: persistent backend failed, primary succeeded", fields)
	}
	return nil
}

// InvalidateAll clears every Completed row from both the primary and (if
// configured) the persistent strategy, summing their counts (spec.md
// §4.6). A failure on one side does not prevent the other from running.
func (e *Engine) InvalidateAll() (int, error) {
	n1, err1 := e.primary.strategy.InvalidateAll()
	var n2 int
	var err2 error
	if e.hasPersist {
		n2, err2 = e.persistent.strategy.InvalidateAll()
	}
	if err := e.foldErr("invalidate_all", "", err1, err2); err != nil {
		return n1 + n2, err
	}
	if n1+n2 > 0 {
		e.metrics.Invalidated(n1 + n2)
	}
	return n1 + n2, nil
}

// Invalidate removes rawKey's Completed row from both backends, summing
// the count. rawKey is normalized the same way GetOrRun normalizes it.
func (e *Engine) Invalidate(rawKey any) (int, error) {
	k := key.Normalize(rawKey)
	n1, err1 := e.primary.strategy.Invalidate(k)
	var n2 int
	var err2 error
	if e.hasPersist {
		n2, err2 = e.persistent.strategy.Invalidate(k)
	}
	if err := e.foldErr("invalidate", string(k), err1, err2); err != nil {
		return n1 + n2, err
	}
	if n1+n2 > 0 {
		e.metrics.Invalidated(n1 + n2)
	}
	return n1 + n2, nil
}

// GarbageCollect sweeps both backends' strategies and sums the number of
// entries removed.
func (e *Engine) GarbageCollect() (int, error) {
	n1, err1 := e.primary.strategy.GarbageCollect()
	var n2 int
	var err2 error
	if e.hasPersist {
		n2, err2 = e.persistent.strategy.GarbageCollect()
	}
	if err := e.foldErr("garbage_collect", "", err1, err2); err != nil {
		return n1 + n2, err
	}
	if n1+n2 > 0 {
		e.metrics.Evicted(n1 + n2)
	}
	return n1 + n2, nil
}
