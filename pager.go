package threadcache

import (
	"context"
)

type fetchPageFunc func(ctx context.Context, page int) (pageResult, error)

// View is what a mounted collection renders.
type View struct {
	Posts          []Post
	Comments       []Comment
	HasNext        bool
	IsFetchingNext bool
	Stale          bool
}

// Pager folds server pages of one signature into a single sequence.
// Pagers are cheap; all state lives in the Store, so two pagers over the
// same signature observe the same entry.
type Pager struct {
	store          *Store
	log            Logger
	sig            Signature
	fetch          fetchPageFunc
	nestedPageSize int
}

func (p *Pager) Signature() Signature { return p.sig }

// Mount activates the signature and loads page 1 if nothing is cached.
// A stale entry is refetched before the view is returned.
func (p *Pager) Mount(ctx context.Context) (View, error) {
	p.store.Activate(p.sig, p.Refetch)
	_, ok, err := p.store.Read(ctx, p.sig)
	if err != nil {
		return View{}, err
	}
	switch {
	case !ok:
		err = p.load(ctx)
	case p.store.IsStale(p.sig):
		err = p.Refetch(ctx)
	}
	if err != nil {
		return View{}, err
	}
	return p.View(ctx)
}

func (p *Pager) Unmount() { p.store.Deactivate(p.sig) }

func (p *Pager) View(ctx context.Context) (View, error) {
	v, _, err := p.store.Read(ctx, p.sig)
	if err != nil {
		return View{}, err
	}
	out := View{
		HasNext:        v.HasNext(),
		IsFetchingNext: p.store.IsFetching(p.sig),
		Stale:          p.store.IsStale(p.sig),
	}
	if p.sig.Kind == KindPosts {
		out.Posts = v.PostList()
	} else {
		out.Comments = v.CommentList()
	}
	return out, nil
}

// FetchNext loads the page after the highest fetched one. It is a no-op when
// there is no next page or a fetch for the signature is already outstanding.
func (p *Pager) FetchNext(ctx context.Context) error {
	t, ok, err := p.store.beginFetch(ctx, p.sig)
	if err != nil || !ok {
		return err
	}
	defer p.store.endFetch(p.sig, t)

	next := 1
	if t.hasBase {
		if !t.base.HasNext() {
			return nil
		}
		next = t.base.HighestPage() + 1
	}
	res, err := p.fetch(t.ctx, next)
	if err != nil {
		return p.fetchErr(t, err)
	}
	_, err = p.store.commitFetch(ctx, p.sig, t, func(base Value, has, moved bool) (Value, bool) {
		if !has && next > 1 {
			return Value{}, false
		}
		mergePage(&base, res, moved)
		return base, true
	}, next == 1, p.seeds(res))
	return err
}

// Refetch reloads pages 1..highest fetched as one fresh value and clears the
// stale flag. The result is dropped if the entry was patched meanwhile.
func (p *Pager) Refetch(ctx context.Context) error {
	t, ok, err := p.store.beginFetch(ctx, p.sig)
	if err != nil || !ok {
		return err
	}
	defer p.store.endFetch(p.sig, t)

	highest := 1
	if t.hasBase && t.base.HighestPage() > 1 {
		highest = t.base.HighestPage()
	}
	var (
		fresh Value
		seeds map[Signature]Value
	)
	for page := 1; page <= highest; page++ {
		res, err := p.fetch(t.ctx, page)
		if err != nil {
			return p.fetchErr(t, err)
		}
		mergePage(&fresh, res, false)
		for sig, v := range p.seeds(res) {
			if seeds == nil {
				seeds = make(map[Signature]Value)
			}
			seeds[sig] = v
		}
		if page >= res.totalPages {
			break
		}
	}
	_, err = p.store.commitFetch(ctx, p.sig, t, func(base Value, _, moved bool) (Value, bool) {
		if moved {
			return Value{}, false
		}
		// an unresolved draft outlives the reload
		if d, ok := base.Comments[DraftID]; ok {
			insertDraft(&fresh, d)
		}
		return fresh, true
	}, true, seeds)
	return err
}

func (p *Pager) load(ctx context.Context) error {
	t, ok, err := p.store.beginFetch(ctx, p.sig)
	if err != nil || !ok {
		return err
	}
	defer p.store.endFetch(p.sig, t)

	res, err := p.fetch(t.ctx, 1)
	if err != nil {
		return p.fetchErr(t, err)
	}
	_, err = p.store.commitFetch(ctx, p.sig, t, func(_ Value, _, moved bool) (Value, bool) {
		var v Value
		mergePage(&v, res, false)
		return v, !moved
	}, true, p.seeds(res))
	return err
}

func (p *Pager) seeds(res pageResult) map[Signature]Value {
	if res.isPosts {
		return nil
	}
	return replySeeds(res.comments, p.sig.Sort, p.sig.Order, p.nestedPageSize, nil)
}

// fetchErr swallows errors of fetches that were cancelled by a mutation.
func (p *Pager) fetchErr(t *fetchTicket, err error) error {
	if t.ctx.Err() != nil {
		p.log.Debug("fetch cancelled", Fields{"sig": p.sig.String(), "err": err})
		return nil
	}
	return err
}

// Detail is the single-post view.
type Detail struct {
	store *Store
	sig   Signature
	fetch func(ctx context.Context) (Post, error)
}

func (d *Detail) Signature() Signature { return d.sig }

func (d *Detail) Mount(ctx context.Context) (Post, error) {
	d.store.Activate(d.sig, d.Refetch)
	_, ok, err := d.store.Read(ctx, d.sig)
	if err != nil {
		return Post{}, err
	}
	if !ok || d.store.IsStale(d.sig) {
		if err := d.Refetch(ctx); err != nil {
			return Post{}, err
		}
	}
	return d.Get(ctx)
}

func (d *Detail) Unmount() { d.store.Deactivate(d.sig) }

// Get returns the cached post or ErrNotFound when nothing is cached.
func (d *Detail) Get(ctx context.Context) (Post, error) {
	v, ok, err := d.store.Read(ctx, d.sig)
	if err != nil {
		return Post{}, err
	}
	if !ok || v.Post == nil {
		return Post{}, ErrNotFound
	}
	return *v.Post, nil
}

func (d *Detail) Refetch(ctx context.Context) error {
	t, ok, err := d.store.beginFetch(ctx, d.sig)
	if err != nil || !ok {
		return err
	}
	defer d.store.endFetch(d.sig, t)

	post, err := d.fetch(t.ctx)
	if err != nil {
		if t.ctx.Err() != nil {
			return nil
		}
		return err
	}
	_, err = d.store.commitFetch(ctx, d.sig, t, func(_ Value, _, moved bool) (Value, bool) {
		return Value{Post: &post}, !moved
	}, true, nil)
	return err
}
