package threadcache

import (
	"errors"
	"time"

	c "github.com/unkn0wn-root/threadcache/codec"
	gen "github.com/unkn0wn-root/threadcache/genstore"
	pr "github.com/unkn0wn-root/threadcache/provider"
	"github.com/unkn0wn-root/threadcache/provider/memory"
)

const (
	defaultNamespace      = "threadcache"
	defaultPostsPageSize  = 10
	defaultCommentsPage   = 10
	defaultNestedPageSize = 2
)

type Options struct {
	Namespace string    // default "threadcache"
	Transport Transport // required

	Provider pr.Provider    // default: in-memory, no eviction
	Codec    c.Codec[Value] // default: deterministic CBOR
	GenStore gen.GenStore   // default: local
	TTL      time.Duration  // 0 = entries live until invalidated

	// Local GenStore cleanup. Pruned generations make the entry self-heal
	// into a refetch, so keep retention above the longest-lived view.
	CleanupInterval time.Duration
	GenRetention    time.Duration

	PostsPageSize    int // default 10
	CommentsPageSize int // default 10
	// NestedPageSize is both the number of inlined children per comment and
	// the replies page size, so page 2+ offsets line up with the inline page 1.
	NestedPageSize int // default 2

	Logger   Logger
	Hooks    Hooks
	Notifier Notifier
	// Session returns the signed-in author used for drafts and upvote edges.
	Session func() Author
	Now     func() time.Time

	ComputeSetCost SetCostFunc
}

// Notice is a transient, user-facing failure message.
type Notice struct {
	Op      string
	ID      int64
	Message string
	Err     error
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type NopNotifier struct{}

func (NopNotifier) Notify(Notice) {}

func (o Options) withDefaults() (Options, error) {
	if o.Transport == nil {
		return o, errors.New("threadcache: Transport is required")
	}
	o.Namespace = coalesce(o.Namespace, defaultNamespace)
	if o.Provider == nil {
		o.Provider = memory.New()
	}
	if o.Codec == nil {
		cb, err := c.NewCBOR[Value](true)
		if err != nil {
			return o, err
		}
		o.Codec = cb
	}
	if o.GenStore == nil {
		o.GenStore = gen.NewLocalGenStore(o.CleanupInterval, o.GenRetention)
	}
	o.PostsPageSize = coalesce(o.PostsPageSize, defaultPostsPageSize)
	o.CommentsPageSize = coalesce(o.CommentsPageSize, defaultCommentsPage)
	o.NestedPageSize = coalesce(o.NestedPageSize, defaultNestedPageSize)
	if o.Logger == nil {
		o.Logger = NopLogger{}
	}
	o.Logger = withNamespace(o.Logger, o.Namespace)
	if o.Hooks == nil {
		o.Hooks = NopHooks{}
	}
	if o.Notifier == nil {
		o.Notifier = NopNotifier{}
	}
	if o.Session == nil {
		o.Session = func() Author { return Author{} }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ComputeSetCost == nil {
		o.ComputeSetCost = func(string, []byte) int64 { return 1 }
	}
	return o, nil
}
