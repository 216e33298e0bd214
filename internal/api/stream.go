package api

import (
	"errors"
	"log"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sua-org/cam-console/internal/relay"
)

// StreamHandler serve GET /stream/:id como stream multipart contínuo.
func (s *Server) StreamHandler(c *gin.Context) {
	s.serveStream(c, c.Param("id"))
}

var legacyVideoRx = regexp.MustCompile(`^/video([A-Za-z0-9_-]+)$`)

// legacyVideoHandler atende /video1, /video2... e devolve 404 para o resto.
func (s *Server) legacyVideoHandler(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		if m := legacyVideoRx.FindStringSubmatch(c.Request.URL.Path); m != nil {
			s.serveStream(c, m[1])
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

func (s *Server) serveStream(c *gin.Context, name string) {
	v, err := s.relay.Attach(c.Request.Context(), name)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrUnknownStream):
			c.JSON(http.StatusNotFound, gin.H{"error": "stream desconhecido", "stream": name})
		case errors.Is(err, relay.ErrRelayClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "console encerrando"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "falha ao iniciar stream", "stream": name})
		}
		return
	}
	defer s.relay.Detach(v.ID)

	h := c.Writer.Header()
	h.Set("Content-Type", v.ContentType())
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	sink := &deadlineSink{
		w:       c.Writer,
		rc:      http.NewResponseController(c.Writer),
		timeout: s.writeTimeout,
	}
	err = v.CopyTo(c.Request.Context(), sink)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrSlowViewer):
		log.Printf("[api] viewer %s (%s) desconectado por lentidão", v.ID, c.ClientIP())
	default:
		log.Printf("[api] stream %s para %s encerrado: %v", name, c.ClientIP(), err)
	}
}

// deadlineSink aplica um deadline de escrita por chunk; um cliente parado
// derruba só a própria conexão.
type deadlineSink struct {
	w       gin.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func (d *deadlineSink) Write(p []byte) (int, error) {
	// ErrNotSupported em writers sem deadline: segue sem
	_ = d.rc.SetWriteDeadline(time.Now().Add(d.timeout))
	return d.w.Write(p)
}

func (d *deadlineSink) Flush() { d.w.Flush() }
