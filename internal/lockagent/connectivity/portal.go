package connectivity

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/lockagent/pkg/log"
)

// Submitter tests submitted credentials.
type Submitter interface {
	Submit(ctx context.Context, c Credentials) error
	Session() *Session
}

// captivePaths are the connectivity checks of common operating systems.
// Redirecting them makes phones open the portal on their own.
var captivePaths = []string{
	"/generate_204",
	"/gen_204",
	"/hotspot-detect.html",
	"/library/test/success.html",
	"/ncsi.txt",
	"/connecttest.txt",
	"/redirect",
}

var formTemplate = template.Must(template.New("form").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>SmartLock Setup</title>
  <style>
    body { font-family: Arial, sans-serif; background: #f4f6f8; margin: 0; padding: 24px; }
    .card { max-width: 480px; margin: 32px auto; background: #fff; border-radius: 10px; padding: 24px; box-shadow: 0 6px 20px rgba(0,0,0,0.08); }
    h1 { font-size: 1.25rem; margin-top: 0; color: #0f172a; }
    label { display: block; margin-top: 12px; font-weight: 600; color: #334155; }
    input { width: 100%; padding: 10px; margin-top: 6px; border: 1px solid #cbd5e1; border-radius: 8px; box-sizing: border-box; }
    button { margin-top: 18px; width: 100%; padding: 10px; border: 0; border-radius: 8px; background: #1d4ed8; color: #fff; font-weight: 600; cursor: pointer; }
    .msg { margin-top: 14px; font-weight: 600; color: #166534; }
    .msg.error { color: #b91c1c; }
    .sub { color: #475569; font-size: .95rem; margin-top: 0; }
  </style>
</head>
<body>
  <div class="card">
    <h1>SmartLock Wi-Fi Setup</h1>
    <p class="sub">Connect your SmartLock device to your local Wi-Fi network.</p>
    {{- if not .Done }}
    <form method="post" action="/">
      <label for="ssid">Wi-Fi SSID</label>
      <input id="ssid" name="ssid" type="text" maxlength="32" value="{{ .SSID }}" required>
      <label for="password">Wi-Fi Password</label>
      <input id="password" name="password" type="password" minlength="8" maxlength="63" required>
      <button type="submit">Connect Device</button>
    </form>
    {{- end }}
    {{- if .Message }}
    <div class="msg{{ if .Error }} error{{ end }}">{{ .Message }}</div>
    {{- end }}
  </div>
</body>
</html>
`))

type formData struct {
	SSID    string
	Message string
	Error   bool
	Done    bool
}

// Portal is the captive portal served on the access point.
type Portal struct {
	addr      string
	submitter Submitter

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
}

func NewPortal(addr string, submitter Submitter) *Portal {
	return &Portal{addr: addr, submitter: submitter}
}

// Handler returns the portal routes.
func (p *Portal) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", p.handleForm).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/", p.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/status", p.handleStatus).Methods(http.MethodGet)
	for _, path := range captivePaths {
		r.Handle(path, redirectHome())
	}
	r.NotFoundHandler = redirectHome()
	return r
}

// Start listens on the configured address and serves in the background.
func (p *Portal) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.server, p.ln = srv, ln

	log.Info("Starting captive portal", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Captive portal stopped unexpectedly")
		}
	}()
	return nil
}

// Addr is the bound address, empty when not serving.
func (p *Portal) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

// Stop shuts the server down, letting in-flight requests finish.
func (p *Portal) Stop(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.server, p.ln = nil, nil
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	log.Info("Stopping captive portal")
	return srv.Shutdown(ctx)
}

func (p *Portal) handleForm(w http.ResponseWriter, _ *http.Request) {
	render(w, http.StatusOK, formData{})
}

func (p *Portal) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		render(w, http.StatusBadRequest, formData{Message: "Malformed request.", Error: true})
		return
	}
	c := Credentials{SSID: r.PostForm.Get("ssid"), Password: r.PostForm.Get("password")}.Normalize()

	err := p.submitter.Submit(r.Context(), c)

	var invalid *InvalidCredentialsError
	switch {
	case err == nil:
		render(w, http.StatusOK, formData{Done: true, Message: "Wi-Fi connected successfully. The setup network is shutting down."})
	case errors.Is(err, ErrBusy):
		w.Header().Set("Retry-After", "5")
		render(w, http.StatusServiceUnavailable, formData{SSID: c.SSID, Message: "Another connection attempt is in progress. Please wait and retry.", Error: true})
	case errors.As(err, &invalid):
		render(w, http.StatusBadRequest, formData{SSID: c.SSID, Message: invalid.Err.Error(), Error: true})
	case errors.Is(err, ErrNotProvisioning):
		render(w, http.StatusConflict, formData{Message: "The device is not in setup mode.", Error: true})
	default:
		render(w, http.StatusBadGateway, formData{SSID: c.SSID, Message: "Connection failed. Please verify credentials and retry.", Error: true})
	}
}

func (p *Portal) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	session := p.submitter.Session()
	if session == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("{}\n"))
		return
	}
	_ = json.NewEncoder(w).Encode(session)
}

func render(w http.ResponseWriter, code int, data formData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := formTemplate.Execute(w, data); err != nil {
		log.Error(err, "Failed to render portal page")
	}
}

// redirectHome sends the client to the portal by address, since probe
// requests carry foreign host names.
func redirectHome() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "/"
		if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
			target = "http://" + addr.String() + "/"
		}
		http.Redirect(w, r, target, http.StatusFound)
	})
}
