package liveview

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// List recent frames
// Example: curl localhost:8090/api/frames?max=10
func (s *Server) httpFrames(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	max := www.QueryInt(r, "max")
	www.CacheNever(w)
	www.SendJSON(w, s.Recent(max))
}

func (s *Server) httpLatest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	latest := s.Latest()
	if latest == nil {
		www.PanicBadRequestf("No frames yet")
	}
	www.CacheNever(w)
	www.SendJSON(w, latest)
}

// Bar chart of the latest frame
func (s *Server) httpChart(w http.ResponseWriter, r *http.Request) {
	www.CacheNever(w)
	w.Header().Set("Content-Type", "image/png")
	www.Check(DrawChart(w, s.Latest(), 640, 240))
}

// Stream every frame summary as a JSON websocket message
func (s *Server) httpStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	c := s.addClient()
	defer s.removeClient(c)

	// We don't expect any messages from the client, but we must read in order to notice a close
	closed := make(chan bool)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}()

	for {
		select {
		case summary := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(summary); err != nil {
				s.log.Infof("Websocket client gone: %v", err)
				return
			}
		case <-closed:
			return
		}
	}
}
