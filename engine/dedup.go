package engine

import "golang.org/x/sync/singleflight"

// reuseCoalescer collapses concurrent prefix-cache match+touch attempts
// that land on the same fingerprint. When several callers probe for reuse
// of the same prefix at once, only one of them actually touches the
// allocator's last-used bookkeeping for that fingerprint; the rest observe
// that call's outcome instead of racing the same blocks. Each caller still
// performs its own per-id decode allocation afterward.
type reuseCoalescer struct {
	sf singleflight.Group
}

// touch runs fn at most once per concurrently-requested fingerprint and
// fans the result out to every caller waiting on that key.
func (c *reuseCoalescer) touch(fingerprint string, fn func() error) error {
	_, err, _ := c.sf.Do(fingerprint, func() (any, error) {
		return nil, fn()
	})
	return err
}
