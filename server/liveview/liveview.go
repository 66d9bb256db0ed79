// Package liveview serves the most recent visibility metrics over HTTP, for watching a run
// while it is in progress.
package liveview

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/groundtruth/pkg/visibility"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Config struct {
	Listen      string `json:"listen"`      // eg ":8090". Empty disables the live view.
	HistorySize int    `json:"historySize"` // Number of recent frames that we remember
	ChartLimit  int    `json:"chartLimit"`  // Maximum chart renders per IP per minute
}

func DefaultConfig() Config {
	return Config{
		Listen:      "",
		HistorySize: 256,
		ChartLimit:  120,
	}
}

// FrameSummary is the visibility result of one frame
type FrameSummary struct {
	Frame      int64               `json:"frame"`
	ReceivedAt time.Time           `json:"receivedAt"`
	Metrics    []visibility.Metric `json:"metrics"`
}

// A websocket client. Summaries that the client can't keep up with are dropped.
type client struct {
	send chan *FrameSummary
}

type Server struct {
	log        logs.Log
	config     Config
	router     *httprouter.Router
	wsUpgrader websocket.Upgrader
	httpServer *http.Server

	lock    sync.Mutex
	history ringbuffer.RingP[*FrameSummary]
	frames  int64
	clients map[*client]bool
}

func NewServer(log logs.Log, config Config) *Server {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultConfig().HistorySize
	}
	if config.ChartLimit <= 0 {
		config.ChartLimit = DefaultConfig().ChartLimit
	}
	s := &Server{
		log:     logs.NewPrefixLogger(log, "LiveView:"),
		config:  config,
		router:  httprouter.New(),
		history: ringbuffer.NewRingP[*FrameSummary](nextPowerOf2(config.HistorySize)),
		clients: map[*client]bool{},
	}
	s.setupRoutes()
	return s
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

func (s *Server) setupRoutes() {
	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.log, s.router, method, route, handle)
	}
	ratelimited := func(method, route string, handle func(w http.ResponseWriter, r *http.Request), requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.log, s.router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(handle)).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/frames", s.httpFrames)
	handle("GET", "/api/frames/latest", s.httpLatest)
	handle("GET", "/api/stream", s.httpStream)
	ratelimited("GET", "/api/chart.png", s.httpChart, s.config.ChartLimit, time.Minute)
}

// Handler returns the HTTP handler of the live view (useful for tests)
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server is shut down
func (s *Server) ListenAndServe() error {
	s.log.Infof("Listening on %v", s.config.Listen)
	s.httpServer = &http.Server{
		Addr:    s.config.Listen,
		Handler: s.router,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// OnFrame records the metrics of a frame. It has the signature of visibility.Listener.
// It is called on the coordination goroutine, so it must never block.
func (s *Server) OnFrame(frame int64, metrics []visibility.Metric) {
	summary := &FrameSummary{
		Frame:      frame,
		ReceivedAt: time.Now().UTC(),
		Metrics:    append([]visibility.Metric{}, metrics...),
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.history.Add(summary)
	s.frames++
	for c := range s.clients {
		select {
		case c.send <- summary:
		default:
		}
	}
}

// Recent returns up to 'max' of the most recent summaries, oldest first
func (s *Server) Recent(max int) []*FrameSummary {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := s.history.Len()
	first := 0
	if max > 0 && n > max {
		first = n - max
	}
	list := make([]*FrameSummary, 0, n-first)
	for i := first; i < n; i++ {
		list = append(list, s.history.Peek(i))
	}
	return list
}

// Latest returns the most recent summary, or nil
func (s *Server) Latest() *FrameSummary {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.history.Len() == 0 {
		return nil
	}
	return s.history.Peek(s.history.Len() - 1)
}

func (s *Server) addClient() *client {
	c := &client{
		send: make(chan *FrameSummary, 32),
	}
	s.lock.Lock()
	s.clients[c] = true
	s.lock.Unlock()
	return c
}

func (s *Server) removeClient(c *client) {
	s.lock.Lock()
	delete(s.clients, c)
	s.lock.Unlock()
}
