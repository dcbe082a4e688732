package handler

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jx4life/postbridge/internal/config"
	"github.com/jx4life/postbridge/internal/domain"
	httpmiddleware "github.com/jx4life/postbridge/internal/http/middleware"
	authservice "github.com/jx4life/postbridge/internal/service/auth"
)

// ConnectHandler exposes the credential lifecycle over HTTP. Handlers stay
// thin: parse, delegate to the orchestrator, translate errors.
type ConnectHandler struct {
	orch   *authservice.Orchestrator
	cfg    config.Config
	logger *zap.Logger
}

// NewConnectHandler wires the handler.
func NewConnectHandler(orch *authservice.Orchestrator, cfg config.Config, logger *zap.Logger) *ConnectHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectHandler{orch: orch, cfg: cfg, logger: logger}
}

// credentialView is the sanitized credential shape returned to the UI.
// Tokens never leave the service; publishing consumes them server-side.
type credentialView struct {
	Platform    domain.Platform `json:"platform"`
	Identity    domain.Identity `json:"identity"`
	Scopes      []string        `json:"scopes,omitempty"`
	Pages       []pageView      `json:"pages,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	ConnectedAt time.Time       `json:"connected_at"`
}

type pageView struct {
	PageID   string `json:"page_id"`
	PageName string `json:"page_name,omitempty"`
	CanPost  bool   `json:"can_post"`
}

func viewOf(cred *domain.Credential) credentialView {
	view := credentialView{
		Platform:    cred.Platform,
		Identity:    cred.Identity,
		Scopes:      cred.ScopeGrant,
		ExpiresAt:   cred.ExpiresAt,
		ConnectedAt: cred.ConnectedAt,
	}
	for _, p := range cred.Pages {
		view.Pages = append(view.Pages, pageView{
			PageID:   p.PageID,
			PageName: p.PageName,
			CanPost:  p.CanCreateContent(),
		})
	}
	return view
}

// Start begins a connection flow and returns the platform entry point.
func (h *ConnectHandler) Start(c *gin.Context) {
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	req, err := h.orch.Initiate(c.Request.Context(), httpmiddleware.UserID(c), platform, authservice.InitiateOptions{
		WalletAddress: c.Query("address"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// Complete finishes a flow whose result the client collected itself: an SDK
// login status, a signed wallet challenge, or callback params relayed from
// the popup.
func (h *ConnectHandler) Complete(c *gin.Context) {
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	var payload domain.CallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             string(domain.KindInvalidGrant),
			"error_description": "malformed callback payload",
		})
		return
	}
	cred, err := h.orch.CompleteCallback(c.Request.Context(), httpmiddleware.UserID(c), platform, payload)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(cred))
}

// Callback receives the platform's browser redirect. It completes the
// exchange server-side, then renders a relay page that posts the outcome to
// the opener window and closes itself. It must work without authentication:
// the state value identifies the owning attempt.
func (h *ConnectHandler) Callback(c *gin.Context) {
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	payload := domain.CallbackPayload{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	}

	_, cred, err := h.orch.CompleteBrowserCallback(c.Request.Context(), platform, payload)
	if err != nil {
		h.logger.Info("browser callback failed",
			zap.String("platform", platform.String()),
			zap.String("kind", string(domain.KindOf(err))),
			zap.Error(err))
		h.renderRelay(c, relayMessage{
			Type:     "OAUTH_ERROR",
			Platform: platform,
			Error:    relayError(err),
		})
		return
	}

	view := viewOf(cred)
	h.renderRelay(c, relayMessage{
		Type:        "OAUTH_SUCCESS",
		Platform:    platform,
		Credentials: &view,
	})
}

// StartSigner provisions the managed Farcaster signer and starts polling.
func (h *ConnectHandler) StartSigner(c *gin.Context) {
	req, err := h.orch.StartSignerSession(c.Request.Context(), httpmiddleware.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// StartQR starts the TikTok QR login variant.
func (h *ConnectHandler) StartQR(c *gin.Context) {
	req, err := h.orch.StartQRSession(c.Request.Context(), httpmiddleware.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// Session reports the live polling session for a platform. For farcaster it
// adds a one-shot vendor check of the signer so the UI can re-render the
// approval deeplink.
func (h *ConnectHandler) Session(c *gin.Context) {
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	state, attempts, result := h.orch.SessionSnapshot(httpmiddleware.UserID(c), platform)
	if state == "" {
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "no_session",
			"error_description": "no polling session exists for this platform",
		})
		return
	}
	resp := gin.H{"state": state, "attempts": attempts}
	if result.Credential != nil {
		resp["credentials"] = viewOf(result.Credential)
	}
	if platform == domain.PlatformFarcaster {
		if info, err := h.orch.SignerStatus(c.Request.Context(), httpmiddleware.UserID(c)); err != nil {
			h.logger.Warn("signer status check failed", zap.Error(err))
		} else if info != nil {
			resp["signer"] = info
		}
	}
	c.JSON(http.StatusOK, resp)
}

// CancelSession deterministically stops the polling session.
func (h *ConnectHandler) CancelSession(c *gin.Context) {
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	h.orch.CancelSession(c.Request.Context(), httpmiddleware.UserID(c), platform)
	c.Status(http.StatusNoContent)
}

// Status reports whether the platform is connected.
func (h *ConnectHandler) Status(c *gin.Context) {
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	status, err := h.orch.Status(c.Request.Context(), httpmiddleware.UserID(c), platform)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Disconnect removes the stored credential. Always 204: disconnecting an
// absent platform is a no-op.
func (h *ConnectHandler) Disconnect(c *gin.Context) {
	platform, ok := h.platform(c)
	if !ok {
		return
	}
	if err := h.orch.Disconnect(c.Request.Context(), httpmiddleware.UserID(c), platform); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConnectHandler) platform(c *gin.Context) (domain.Platform, bool) {
	platform, ok := domain.ParsePlatform(c.Param("platform"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "unknown_platform",
			"error_description": "unsupported platform: " + c.Param("platform"),
		})
		return "", false
	}
	return platform, true
}

// fail translates an AuthError kind to an HTTP status. Unknown errors are
// 500s with a generic body; the typed message is already user-safe.
func (h *ConnectHandler) fail(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	message := "internal error"
	switch kind {
	case domain.KindInvalidGrant, domain.KindReauthRequired:
		status = http.StatusBadRequest
	case domain.KindStateMismatch:
		status = http.StatusConflict
	case domain.KindAttemptExpired:
		status = http.StatusGone
	case domain.KindDenied:
		status = http.StatusForbidden
	case domain.KindNetwork:
		status = http.StatusBadGateway
	case domain.KindRateLimited:
		status = http.StatusTooManyRequests
	case domain.KindConfigMissing:
		status = http.StatusServiceUnavailable
	}
	if kind != "" {
		var ae *domain.AuthError
		if errors.As(err, &ae) {
			message = ae.Message
		}
	} else {
		h.logger.Error("unclassified handler error", zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":             string(kind),
		"error_description": message,
	})
}

// relayMessage is the typed envelope posted to the opener window.
type relayMessage struct {
	Type        string          `json:"type"`
	Platform    domain.Platform `json:"platform"`
	Credentials *credentialView `json:"credentials,omitempty"`
	Error       *relayErrorBody `json:"error,omitempty"`
}

type relayErrorBody struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

func relayError(err error) *relayErrorBody {
	body := &relayErrorBody{Kind: domain.KindOf(err), Message: "connection failed"}
	var ae *domain.AuthError
	if errors.As(err, &ae) {
		body.Message = ae.Message
	}
	return body
}

var relayTemplate = template.Must(template.New("relay").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Connecting…</title></head>
<body>
<p>You can close this window.</p>
<script>
(function () {
  var message = {{.Message}};
  if (window.opener) {
    window.opener.postMessage(message, {{.TargetOrigin}});
  }
  window.close();
})();
</script>
</body>
</html>
`))

// renderRelay writes the popup relay page. The message only travels to the
// configured web origin; other openers never receive it.
func (h *ConnectHandler) renderRelay(c *gin.Context, msg relayMessage) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		c.String(http.StatusInternalServerError, "relay encoding failed")
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	_ = relayTemplate.Execute(c.Writer, map[string]any{
		"Message":      template.JS(encoded),
		"TargetOrigin": h.cfg.AllowedWebOrigin,
	})
}
