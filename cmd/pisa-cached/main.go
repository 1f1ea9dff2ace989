// Command pisa-cached runs a Redis-backed worker pool that drains
// cache-miss kernel-generation jobs for a kernel cache directory shared
// across a fleet of pisa-lower invocations. Each queued job goes to one
// worker; jobs for the same cache key are not merged across processes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/luxfi/pisa-lower/internal/kernelcache"
	"github.com/luxfi/pisa-lower/internal/kernelqueue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		numWorkers    = flag.Int("workers", 4, "number of worker goroutines")
		redisAddr     = flag.String("redis", "localhost:6379", "Redis address")
		redisDB       = flag.Int("redis-db", 0, "Redis database number")
		queueName     = flag.String("queue", "default", "queue name")
		cacheDir      = flag.String("cache_dir", "/tmp/pisa-kernel-cache", "shared kernel cache directory")
		generatorPath = flag.String("kerngen_path", "", "kernel generator executable path")
		metricsAddr   = flag.String("metrics", ":9090", "metrics server address")
	)
	flag.Parse()

	if *generatorPath == "" {
		return errors.New("kerngen_path is required")
	}

	log.Printf("pisa-cached starting...")
	log.Printf("  Workers: %d", *numWorkers)
	log.Printf("  Redis: %s", *redisAddr)
	log.Printf("  Cache dir: %s", *cacheDir)
	log.Printf("  Metrics: %s", *metricsAddr)

	q, err := kernelqueue.NewRedisQueue(kernelqueue.RedisConfig{
		Addr: *redisAddr,
		DB:   *redisDB,
	}, *queueName)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	defer q.Close()

	cache := kernelcache.NewCache(*cacheDir, false)

	pool := &WorkerPool{
		numWorkers:    *numWorkers,
		queue:         q,
		cache:         cache,
		generatorPath: *generatorPath,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "# HELP pisa_kernelgen_jobs_total Total kernel-generation jobs\n")
		fmt.Fprintf(w, "# TYPE pisa_kernelgen_jobs_total counter\n")
		fmt.Fprintf(w, "pisa_kernelgen_jobs_total{status=\"success\"} %d\n", pool.successCount.Load())
		fmt.Fprintf(w, "pisa_kernelgen_jobs_total{status=\"failure\"} %d\n", pool.failureCount.Load())
	})

	server := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		log.Printf("Metrics server starting on %s", *metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal: %s", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Metrics server shutdown error: %v", err)
	}
	if err := pool.Stop(); err != nil {
		log.Printf("Worker pool shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

// WorkerPool drains kernel-generation jobs from the shared queue,
// delegating each one to the shared Cache. Its per-key mutex serializes
// workers within this process only; the atomic temp-then-rename writes
// keep entries untorn when several pisa-cached processes share the same
// cache directory.
type WorkerPool struct {
	numWorkers    int
	queue         kernelqueue.Queue
	cache         *kernelcache.Cache
	generatorPath string

	wg           sync.WaitGroup
	cancel       context.CancelFunc
	running      atomic.Bool
	successCount atomic.Int64
	failureCount atomic.Int64
}

// Start starts the worker pool.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.running.Load() {
		return errors.New("pool already running")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running.Store(true)

	log.Printf("Starting %d workers", p.numWorkers)
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return nil
}

// Stop gracefully stops the worker pool.
func (p *WorkerPool) Stop() error {
	if !p.running.Load() {
		return nil
	}
	log.Println("Stopping worker pool...")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Worker pool stopped")
	case <-time.After(30 * time.Second):
		log.Println("Shutdown timeout exceeded")
		return errors.New("shutdown timeout")
	}

	p.running.Store(false)
	return nil
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log.Printf("Worker %d started", id)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Worker %d stopping", id)
			return
		default:
		}

		job, err := p.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("Worker %d: failed to pop job: %v", id, err)
			time.Sleep(time.Second)
			continue
		}

		p.processJob(ctx, id, job)
	}
}

func (p *WorkerPool) processJob(ctx context.Context, workerID int, job *kernelqueue.Job) {
	log.Printf("Worker %d: processing job %s (cache_key=%s)", workerID, job.ID, job.CacheKey)

	job.Status = kernelqueue.StatusRunning
	if err := p.queue.Update(ctx, job); err != nil {
		log.Printf("Worker %d: failed to update job status: %v", workerID, err)
	}

	req := kernelcache.GenRequest{
		Key: kernelcache.Key{
			Scheme:      job.Scheme,
			Op:          job.Op,
			N:           job.N,
			NumRNS:      job.NumRNS,
			NumPolyPart: 2,
			Extra:       job.ExtraArgs,
		},
		Protocol:      kernelcache.ProtocolNew,
		GeneratorPath: p.generatorPath,
		CurrentRNS:    job.NumRNS,
	}

	if _, err := p.cache.Get(ctx, req); err != nil {
		job.Status = kernelqueue.StatusFailed
		job.Error = err.Error()
		p.queue.Update(ctx, job)
		p.failureCount.Add(1)
		return
	}

	job.Status = kernelqueue.StatusDone
	job.ResultPath = req.Key.Filename()
	if err := p.queue.Update(ctx, job); err != nil {
		log.Printf("Worker %d: failed to update job result: %v", workerID, err)
	}

	p.successCount.Add(1)
	log.Printf("Worker %d: job %s completed", workerID, job.ID)
}
