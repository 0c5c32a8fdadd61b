package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/vtonlabs/tryon/api"
	"github.com/vtonlabs/tryon/dataset"
	"github.com/vtonlabs/tryon/envconfig"
	"github.com/vtonlabs/tryon/fs/ggml"
	"github.com/vtonlabs/tryon/logutil"
	"github.com/vtonlabs/tryon/model"
	"github.com/vtonlabs/tryon/version"
)

// Server answers the HTTP API, keeping loaded models cached between
// requests.
type Server struct {
	addr net.Addr

	mu     sync.Mutex
	loaded map[string]*loadedModel
}

func isLocalIP(ip netip.Addr) bool {
	if interfaces, err := net.Interfaces(); err == nil {
		for _, iface := range interfaces {
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}

			for _, a := range addrs {
				if parsed, _, err := net.ParseCIDR(a.String()); err == nil {
					if parsed.String() == ip.String() {
						return true
					}
				}
			}
		}
	}

	return false
}

func allowedHost(host string) bool {
	host = strings.ToLower(host)

	if host == "" || host == "localhost" {
		return true
	}

	if hostname, err := os.Hostname(); err == nil && host == strings.ToLower(hostname) {
		return true
	}

	tlds := []string{
		"localhost",
		"local",
		"internal",
	}

	for _, tld := range tlds {
		if strings.HasSuffix(host, "."+tld) {
			return true
		}
	}

	return false
}

func allowedHostsMiddleware(addr net.Addr) gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr == nil {
			c.Next()
			return
		}

		if addr, err := netip.ParseAddrPort(addr.String()); err == nil && !addr.Addr().IsLoopback() {
			c.Next()
			return
		}

		host, _, err := net.SplitHostPort(c.Request.Host)
		if err != nil {
			host = c.Request.Host
		}

		if addr, err := netip.ParseAddr(host); err == nil {
			if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || isLocalIP(addr) {
				c.Next()
				return
			}
		}

		if allowedHost(host) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}

			c.Next()
			return
		}

		c.AbortWithStatus(http.StatusForbidden)
	}
}

func (s *Server) GenerateRoutes() (http.Handler, error) {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(
		cors.New(corsConfig),
		allowedHostsMiddleware(s.addr),
	)

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "Tryon is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "Tryon is running") })
	r.HEAD("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })

	r.GET("/api/show", s.ShowHandler)
	r.POST("/api/synthesize", s.SynthesizeHandler)

	return r, nil
}

// ShowHandler reports a model file's metadata and stage table. Only the
// header is read; tensor data stays on disk.
func (s *Server) ShowHandler(c *gin.Context) {
	name := c.Query("model")
	path, err := ModelPath(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("model %q not found", name)})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	g, err := ggml.Decode(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := showResponse(g.KV())
	for _, t := range g.Tensors().Items() {
		resp.Parameters += int64(t.Elements())
	}

	c.JSON(http.StatusOK, resp)
}

func showResponse(kv ggml.KV) api.ShowResponse {
	resp := api.ShowResponse{
		Architecture:  kv.Architecture(),
		Name:          kv.Name(),
		Frames:        int(kv.Uint("frames", 1)),
		Flow:          kv.Bool("flow", false),
		SelfAttention: kv.Bool("self_attention", false),
		Width:         int(kv.Uint("image.width", 192)),
		Height:        int(kv.Uint("image.height", 256)),
		PersonInputs:  kv.Strings("person_inputs"),
		ClothInputs:   kv.Strings("cloth_inputs"),
		Conditions:    dataset.Conditions(kv),
	}

	if m, err := model.Describe(kv); err == nil {
		if stager, ok := m.(model.Stager); ok {
			for _, stage := range stager.Stages() {
				resp.Stages = append(resp.Stages, api.StageInfo{
					Kind:  stage.Kind.String(),
					In:    stage.In,
					Out:   stage.Out,
					Scale: stage.Scale,
				})
			}
		}
	}

	return resp
}

func Serve(ln net.Listener) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Info("server config", "env", envconfig.Values())

	s := &Server{
		addr:   ln.Addr(),
		loaded: make(map[string]*loadedModel),
	}

	h, err := s.GenerateRoutes()
	if err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("Listening on %s (version %s)", ln.Addr(), version.Version))
	srvr := &http.Server{
		Handler: h,
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
	}()

	if err := srvr.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
