package stream

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nebolabs/nebo/internal/agent/ai"
	"github.com/nebolabs/nebo/internal/credential"
	"github.com/nebolabs/nebo/internal/provider"
	"github.com/nebolabs/nebo/internal/tracing"
)

// baseURLOverrideEnv redirects every provider's base URL when set — the
// general streaming-test override.
const baseURLOverrideEnv = "NEBO_STREAM_BASE_URL"

// Dispatcher resolves a ChatRequest's model onto a provider, builds the wire
// request through the matching codec, attaches credentials, and hands the SSE
// POST to the Driver. It is the component the agent
// loop sees as "the provider".
type Dispatcher struct {
	Registry *provider.Registry
	Creds    *credential.Store
	Driver   *Driver
	Tracer   *tracing.Writer

	profiles       ai.ProfileTracker
	resolveProfile func(ctx context.Context, providerID string) string
}

// SetProfileTracking enables per-auth-profile usage and cooldown recording.
// resolve maps a provider id onto the profile row in use for this request;
// an empty result disables recording for that stream.
func (d *Dispatcher) SetProfileTracking(tracker ai.ProfileTracker, resolve func(ctx context.Context, providerID string) string) {
	d.profiles = tracker
	d.resolveProfile = resolve
}

// NewDispatcher wires a dispatcher over the shared driver.
func NewDispatcher(registry *provider.Registry, creds *credential.Store, tracer *tracing.Writer) *Dispatcher {
	return &Dispatcher{
		Registry: registry,
		Creds:    creds,
		Driver:   New(),
		Tracer:   tracer,
	}
}

// defaultModel picks a model when the request names none: the catalog's
// defaults.primary if set, else the first active model of any credentialed
// provider.
func (d *Dispatcher) defaultModel(ctx context.Context) string {
	catalog := provider.GetModelsConfig()
	if catalog.Defaults != nil && catalog.Defaults.Primary != "" {
		// The catalog writes defaults as "provider/model".
		if parts := strings.SplitN(catalog.Defaults.Primary, "/", 2); len(parts) == 2 {
			return parts[1] + "@" + parts[0]
		}
		return catalog.Defaults.Primary
	}
	for providerID, models := range catalog.Providers {
		cfg, ok := d.Registry.Get(providerID)
		if !ok {
			continue
		}
		if _, err := d.Creds.GetCredentials(ctx, cfg, d.Driver.client); err != nil {
			continue
		}
		for _, m := range models {
			if m.IsActive() {
				return m.ID + "@" + providerID
			}
		}
	}
	return ""
}

// ID implements ai.Provider. The dispatcher is the polymorphic provider the
// agent loop talks to; the concrete provider is picked per request.
func (d *Dispatcher) ID() string { return "auto" }

// ProfileID implements ai.Provider; per-stream profile resolution happens in
// observed instead.
func (d *Dispatcher) ProfileID() string { return "" }

// resolution is the outcome of model resolution.
type resolution struct {
	cfg       provider.Config
	modelName string
}

// resolveModel maps a model string onto (provider, provider-model-name). An
// explicit "name@provider" suffix wins; otherwise the first catalog provider
// that both advertises the model and has a credential is chosen.
func (d *Dispatcher) resolveModel(ctx context.Context, model string) (resolution, error) {
	if model == "" {
		model = d.defaultModel(ctx)
		if model == "" {
			return resolution{}, &ai.ConfigError{Msg: "no model specified and no default is configured"}
		}
	}
	if at := strings.LastIndex(model, "@"); at > 0 {
		providerID := model[at+1:]
		cfg, ok := d.Registry.Get(providerID)
		if !ok {
			return resolution{}, &ai.ConfigError{Msg: fmt.Sprintf("unknown provider %q", providerID)}
		}
		return resolution{cfg: cfg, modelName: model[:at]}, nil
	}

	catalog := provider.GetModelsConfig()
	for providerID, models := range catalog.Providers {
		cfg, ok := d.Registry.Get(providerID)
		if !ok {
			continue
		}
		for _, m := range models {
			if !m.IsActive() || !strings.EqualFold(m.ID, model) {
				continue
			}
			if _, err := d.Creds.GetCredentials(ctx, cfg, d.Driver.client); err == nil {
				return resolution{cfg: cfg, modelName: m.ID}, nil
			}
		}
	}
	return resolution{}, &ai.ConfigError{Msg: fmt.Sprintf("no credentialed provider advertises model %q", model)}
}

// codecFor selects the protocol codec for a resolved request. OpenAI-protocol
// providers flip to the Responses dialect when OAuth is present or the model
// family is Responses-only.
func codecFor(cfg provider.Config, endpointPath string) ai.Codec {
	switch {
	case cfg.Protocol == provider.ProtocolAnthropic:
		return ai.AnthropicCodec{}
	case cfg.Protocol == provider.ProtocolOpenAIResponses || endpointPath == "responses":
		return ai.OpenAIResponsesCodec{}
	default:
		return ai.OpenAIChatCodec{}
	}
}

// buildHeaders applies credentials per auth_type plus any static provider
// headers.
func buildHeaders(cfg provider.Config, creds credential.Credentials) (map[string]string, error) {
	headers := make(map[string]string, len(cfg.StaticHeaders)+2)
	for k, v := range cfg.StaticHeaders {
		headers[k] = v
	}

	switch cfg.AuthType {
	case provider.AuthNone:

	case provider.AuthBearer, provider.AuthOAuthBearer:
		switch creds.Kind {
		case credential.KindOAuth:
			headers["Authorization"] = "Bearer " + creds.OAuthToken
			if creds.AccountID != "" {
				headers["ChatGPT-Account-Id"] = creds.AccountID
			}
		case credential.KindAPIKey:
			headers["Authorization"] = "Bearer " + creds.APIKey
		default:
			return nil, credential.ErrAPIKeyNotConfigured
		}

	case provider.AuthAPIKey:
		headers["anthropic-version"] = "2023-06-01"
		switch creds.Kind {
		case credential.KindOAuth:
			headers["Authorization"] = "Bearer " + creds.OAuthToken
		case credential.KindAPIKey:
			headers["x-api-key"] = creds.APIKey
		default:
			return nil, credential.ErrAPIKeyNotConfigured
		}

	case provider.AuthPlatformJWT:
		if creds.Kind != credential.KindAPIKey {
			return nil, credential.ErrAPIKeyNotConfigured
		}
		if err := checkPlatformJWT(creds.APIKey); err != nil {
			return nil, &ai.AuthError{Msg: "platform token invalid", Err: err}
		}
		headers["Authorization"] = "Bearer " + creds.APIKey
	}
	return headers, nil
}

// checkPlatformJWT rejects an expired or malformed platform token before it
// ever reaches the wire, without verifying the signature (that is the
// platform's job).
func checkPlatformJWT(token string) error {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return err
	}
	if exp != nil && exp.Before(time.Now()) {
		return fmt.Errorf("token expired at %s", exp.Time)
	}
	return nil
}

// Stream implements the streaming contract end to end: resolve, build,
// authenticate, POST, and return the uniform event channel with a tracing
// span wrapped around the whole exchange.
func (d *Dispatcher) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	res, err := d.resolveModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	return d.streamVia(ctx, res, req)
}

func (d *Dispatcher) streamVia(ctx context.Context, res resolution, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	cfg := res.cfg
	creds, err := d.Creds.GetCredentials(ctx, cfg, d.Driver.client)
	if err != nil {
		return nil, &ai.ConfigError{Msg: fmt.Sprintf("%s: %v", cfg.ID, err)}
	}

	hasOAuth := creds.Kind == credential.KindOAuth
	endpointPath := provider.ResolveEndpointPath(cfg, res.modelName, hasOAuth)
	baseURL := provider.ResolveBaseURL(cfg, d.Creds, d.Creds.Settings(), os.Getenv(baseURLOverrideEnv))
	codec := codecFor(cfg, endpointPath)

	wireReq := *req
	wireReq.Model = res.modelName
	if len(cfg.ExtraBody) > 0 {
		wireReq.ExtraBody = cfg.ExtraBody
	}
	body, err := codec.BuildRequest(&wireReq)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", cfg.ID, err)
	}

	headers, err := buildHeaders(cfg, creds)
	if err != nil {
		return nil, err
	}

	upstream, err := d.Driver.Stream(ctx, Request{
		URL:     strings.TrimSuffix(baseURL, "/") + "/" + endpointPath,
		Headers: headers,
		Body:    body,
		Codec:   codec,
	})
	if err != nil {
		return nil, err
	}

	if d.Tracer == nil && d.profiles == nil {
		return upstream, nil
	}
	return d.observed(ctx, cfg.ID, res.modelName, body, upstream), nil
}

// observed wraps the uniform stream in a tracing span (request body on
// open, TTFT on the first event, finish_reason/usage/response text on close)
// and records auth-profile usage/cooldowns when profile tracking is on.
func (d *Dispatcher) observed(ctx context.Context, providerID, model string, body []byte, upstream <-chan ai.StreamEvent) <-chan ai.StreamEvent {
	out := make(chan ai.StreamEvent, 64)

	var spanID string
	if d.Tracer != nil {
		traceID := d.Tracer.StartTrace()
		spanID = d.Tracer.StartSpan(traceID, "", "llm.stream", map[string]any{
			"provider":     providerID,
			"model":        model,
			"request_body": string(body),
		})
	}

	profileID := ""
	if d.profiles != nil && d.resolveProfile != nil {
		profileID = d.resolveProfile(ctx, providerID)
	}

	go func() {
		defer close(out)
		start := time.Now()
		var ttftMs int64 = -1
		var finishReason string
		var usage *ai.Usage
		var streamErr error
		var text strings.Builder

		for ev := range upstream {
			if ttftMs < 0 {
				ttftMs = time.Since(start).Milliseconds()
			}
			switch ev.Type {
			case ai.EventTypeText:
				text.WriteString(ev.Text)
			case ai.EventTypeUsage:
				usage = ev.Usage
			case ai.EventTypeDone:
				finishReason = ev.FinishReason
			case ai.EventTypeError:
				streamErr = ev.Error
				if d.Tracer != nil {
					d.Tracer.AddEvent(spanID, "stream.error", map[string]any{"error": fmt.Sprint(ev.Error)})
				}
			}
			out <- ev
		}

		if d.Tracer != nil {
			attrs := map[string]any{
				"finish_reason": finishReason,
				"ttft_ms":       ttftMs,
				"response_text": text.String(),
			}
			if usage != nil {
				attrs["usage_input_tokens"] = usage.InputTokens
				attrs["usage_output_tokens"] = usage.OutputTokens
			}
			d.Tracer.AddEvent(spanID, "stream.end", attrs)
			d.Tracer.EndSpan(spanID, time.Now())
		}

		if profileID != "" {
			trackCtx := context.WithoutCancel(ctx)
			if streamErr != nil {
				_ = d.profiles.RecordErrorWithCooldownString(trackCtx, profileID, ai.ClassifyErrorReason(streamErr))
			} else {
				_ = d.profiles.RecordUsage(trackCtx, profileID)
			}
		}
	}()
	return out
}

// BoundProvider adapts the dispatcher to ai.Provider for one catalog entry,
// the shape the agent loop's provider list expects.
type BoundProvider struct {
	dispatcher *Dispatcher
	cfg        provider.Config
}

// ForProvider binds the dispatcher to a catalog entry by id.
func (d *Dispatcher) ForProvider(id string) (*BoundProvider, error) {
	cfg, ok := d.Registry.Get(id)
	if !ok {
		return nil, &ai.ConfigError{Msg: fmt.Sprintf("unknown provider %q", id)}
	}
	return &BoundProvider{dispatcher: d, cfg: cfg}, nil
}

func (p *BoundProvider) ID() string        { return p.cfg.ID }
func (p *BoundProvider) ProfileID() string { return "" }

// Stream routes through the dispatcher, keeping this provider even when the
// request's model carries no @provider suffix.
func (p *BoundProvider) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	model := req.Model
	if at := strings.LastIndex(model, "@"); at > 0 {
		return p.dispatcher.Stream(ctx, req)
	}
	if model == "" {
		model = provider.GetDefaultModel(p.cfg.ID)
	}
	return p.dispatcher.streamVia(ctx, resolution{cfg: p.cfg, modelName: model}, req)
}
