package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/threadcache"
	c "github.com/unkn0wn-root/threadcache/codec"
	gen "github.com/unkn0wn-root/threadcache/genstore"
	asynchook "github.com/unkn0wn-root/threadcache/hooks/async"
	"github.com/unkn0wn-root/threadcache/internal/config"
	tclogrus "github.com/unkn0wn-root/threadcache/log/logrus"
	tcslog "github.com/unkn0wn-root/threadcache/log/slog"
	tczap "github.com/unkn0wn-root/threadcache/log/zap"
	pr "github.com/unkn0wn-root/threadcache/provider"
	"github.com/unkn0wn-root/threadcache/provider/bigcache"
	"github.com/unkn0wn-root/threadcache/provider/memory"
	"github.com/unkn0wn-root/threadcache/provider/redis"
	"github.com/unkn0wn-root/threadcache/provider/ristretto"
	"github.com/unkn0wn-root/threadcache/provider/valkey"
	"github.com/unkn0wn-root/threadcache/sloghooks"
	"github.com/unkn0wn-root/threadcache/transport/httpclient"
	"github.com/unkn0wn-root/threadcache/transport/memserver"
)

const namespace = "demo"

var me = threadcache.Author{ID: "u1", Username: "demo"}

func main() {
	zl, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()

	cfg, err := config.New(zl)
	if err != nil {
		zl.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("demo failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, zl *zap.Logger) error {
	srv := memserver.New(memserver.WithUser(me), memserver.WithInlineLimit(cfg.NestedPageSize))
	posts, err := seed(srv)
	if err != nil {
		return err
	}

	var tr threadcache.Transport = srv
	if cfg.HTTP {
		base, shutdown, err := serve(srv, zl)
		if err != nil {
			return err
		}
		defer shutdown()
		tr = httpclient.New(base)
	}

	prov, rdb, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	var gs gen.GenStore
	if cfg.RedisGenStore {
		gs = gen.NewRedisGenStoreWithTTL(rdb, namespace, 24*time.Hour)
	}
	codec, err := newCodec(cfg)
	if err != nil {
		return err
	}

	hooks := asynchook.New(sloghooks.New(slog.Default(), sloghooks.Options{
		SelfHealEvery:     10,
		FetchDroppedEvery: 1,
	}), 1, 1000)
	defer func() {
		hooks.Close()
		if n := hooks.Dropped(); n > 0 {
			zl.Warn("hook events dropped", zap.Uint64("count", n))
		}
	}()

	cl, err := threadcache.New(threadcache.Options{
		Namespace:        namespace,
		Transport:        tr,
		Provider:         prov,
		Codec:            codec,
		GenStore:         gs,
		TTL:              cfg.TTL,
		PostsPageSize:    cfg.PostsPageSize,
		CommentsPageSize: cfg.CommentsPageSize,
		NestedPageSize:   cfg.NestedPageSize,
		Logger:           newLogger(cfg, zl),
		Hooks:            hooks,
		Notifier: threadcache.NotifierFunc(func(n threadcache.Notice) {
			zl.Warn("notice", zap.String("op", n.Op), zap.Int64("id", n.ID), zap.String("message", n.Message), zap.Error(n.Err))
		}),
		Session: func() threadcache.Author { return me },
		ComputeSetCost: func(_ string, raw []byte) int64 {
			return int64(len(raw))
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := cl.Close(context.Background()); err != nil {
			zl.Warn("close client", zap.Error(err))
		}
	}()

	if err := scenarios(ctx, cl, srv, posts, zl); err != nil {
		return err
	}
	if rp, ok := prov.(*ristretto.Provider); ok {
		st := rp.Stats()
		zl.Info("ristretto stats", zap.Uint64("hits", st.Hits), zap.Uint64("misses", st.Misses),
			zap.Uint64("rejected", st.Rejected), zap.Float64("ratio", st.Ratio))
	}
	return nil
}

// seed fills the server with two posts and a small thread under the first.
func seed(srv *memserver.Server) ([]threadcache.Post, error) {
	bob := threadcache.Author{ID: "u2", Username: "bob"}
	p1 := srv.AddPost(threadcache.Post{Title: "Show HN: a comment cache", URL: "https://example.com/cache", Points: 5, Author: bob})
	p2 := srv.AddPost(threadcache.Post{Title: "Ask HN: favourite pagers?", Points: 12, Author: bob})

	root, err := srv.AddComment(p1.ID, nil, "Nice write-up.", bob, 4)
	if err != nil {
		return nil, err
	}
	for i, body := range []string{"Agreed.", "How does it invalidate?", "Generations per key."} {
		if _, err := srv.AddComment(p1.ID, &root.ID, body, bob, 3-i); err != nil {
			return nil, err
		}
	}
	if _, err := srv.AddComment(p1.ID, nil, "Benchmarks?", bob, 1); err != nil {
		return nil, err
	}
	return []threadcache.Post{p1, p2}, nil
}

func serve(srv *memserver.Server, zl *zap.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	hs := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("http server", zap.Error(err))
		}
	}()
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
	zl.Info("serving REST API", zap.String("addr", ln.Addr().String()))
	return "http://" + ln.Addr().String(), shutdown, nil
}

func newProvider(ctx context.Context, cfg config.Config) (pr.Provider, goredis.UniversalClient, error) {
	switch cfg.Provider {
	case "ristretto":
		p, err := ristretto.New(ristretto.Config{NumCounters: 100_000, MaxCost: 64 << 20, BufferItems: 64, Metrics: true})
		return p, nil, err
	case "bigcache":
		p, err := bigcache.New(ctx, bigcache.Config{LifeWindow: 10 * time.Minute, Shards: 64, MaxEntriesInWindow: 10_000, HardMaxCacheSizeMB: 64})
		return p, nil, err
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		// the genstore, when enabled, shares and closes the client
		p, err := redis.New(redis.Config{Client: rdb, Prefix: "threadcache:", CloseClient: !cfg.RedisGenStore})
		if err != nil {
			return nil, nil, err
		}
		// the demo reseeds its server, so frames from an earlier run are stale
		if _, err := p.Flush(ctx); err != nil {
			return nil, nil, fmt.Errorf("redis flush: %w", err)
		}
		return p, rdb, nil
	case "valkey":
		p, err := valkey.New(valkey.Config{Address: cfg.ValkeyAddress, TLSEnabled: cfg.ValkeyTLSEnabled})
		return p, nil, err
	default:
		return memory.New(), nil, nil
	}
}

func newCodec(cfg config.Config) (c.Codec[threadcache.Value], error) {
	var inner c.Codec[threadcache.Value]
	switch cfg.Codec {
	case "msgpack":
		inner = c.Msgpack[threadcache.Value]{}
	case "json":
		inner = c.JSON[threadcache.Value]{}
	default:
		cb, err := c.NewCBOR[threadcache.Value](true)
		if err != nil {
			return nil, err
		}
		inner = cb
	}
	if cfg.Provider == "redis" || cfg.Provider == "valkey" {
		return c.LimitCodec[threadcache.Value]{Inner: inner, MaxDecode: 1 << 20}, nil
	}
	return inner, nil
}

func newLogger(cfg config.Config, zl *zap.Logger) threadcache.Logger {
	switch cfg.Log {
	case "logrus":
		l := logrus.New()
		if cfg.LogDebug {
			l.SetLevel(logrus.DebugLevel)
		}
		return tclogrus.New(l)
	case "slog":
		level := slog.LevelInfo
		if cfg.LogDebug {
			level = slog.LevelDebug
		}
		return tcslog.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	default:
		if !cfg.LogDebug {
			zl = zl.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
		}
		return tczap.New(zl)
	}
}

func scenarios(ctx context.Context, cl *threadcache.Client, srv *memserver.Server, posts []threadcache.Post, zl *zap.Logger) error {
	p1 := posts[0]

	feed := cl.Posts(threadcache.PostsFilter{Sort: threadcache.SortPoints})
	fv, err := feed.Mount(ctx)
	if err != nil {
		return err
	}
	defer feed.Unmount()
	printPosts("feed", fv.Posts)

	detail := cl.Post(p1.ID)
	if _, err := detail.Mount(ctx); err != nil {
		return err
	}
	defer detail.Unmount()

	if err := cl.ToggleUpvotePost(ctx, p1.ID); err != nil {
		return err
	}
	got, err := detail.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("upvoted post %d: points=%d upvoted=%v\n", got.ID, got.Points, got.IsUpvoted)

	comments := cl.Comments(p1.ID, threadcache.SortPoints, threadcache.OrderDesc)
	cv, err := comments.Mount(ctx)
	if err != nil {
		return err
	}
	defer comments.Unmount()
	root := cv.Comments[0]

	replies := cl.Replies(root.ID, threadcache.SortPoints, threadcache.OrderDesc)
	rv, err := replies.Mount(ctx)
	if err != nil {
		return err
	}
	defer replies.Unmount()
	fmt.Printf("replies of %d seeded from inline children: %d shown, more=%v\n", root.ID, len(rv.Comments), rv.HasNext)
	if err := replies.FetchNext(ctx); err != nil {
		return err
	}

	created, err := cl.SubmitComment(ctx, root.ID, "Replying from the demo.", true)
	if err != nil {
		return err
	}
	fmt.Printf("created comment %d at depth %d\n", created.ID, created.Depth)

	if _, err := cl.SubmitComment(ctx, p1.ID, "no", false); threadcache.IsValidation(err) {
		fmt.Printf("validation: %v\n", err)
	}

	srv.FailNext(memserver.OpUpvoteComment, errors.New("simulated outage"))
	if err := cl.ToggleUpvoteComment(ctx, root.ID, root.Scope()); err != nil {
		zl.Info("upvote rolled back", zap.Error(err))
	}

	tree, err := cl.Thread(ctx, p1.ID, threadcache.SortPoints, threadcache.OrderDesc)
	if err != nil {
		return err
	}
	printThread(tree, 0)
	return nil
}

func printPosts(label string, ps []threadcache.Post) {
	fmt.Printf("%s:\n", label)
	for _, p := range ps {
		fmt.Printf("  [%d] %s (%d points, %d comments)\n", p.ID, p.Title, p.Points, p.CommentCount)
	}
}

func printThread(nodes []*threadcache.ThreadNode, depth int) {
	for _, n := range nodes {
		fmt.Printf("%s- %s (%d)\n", strings.Repeat("  ", depth), n.Content, n.Points)
		printThread(n.Replies, depth+1)
	}
}
