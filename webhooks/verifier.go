package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingest/core"
)

const (
	defaultSignatureHeader  = "X-Shopify-Hmac-Sha256"
	defaultDomainHeader     = "X-Shopify-Shop-Domain"
	defaultTimestampHeader  = "X-Shopify-Hmac-Timestamp"
	defaultTopicHeader      = "X-Shopify-Topic"
	defaultDeliveryIDHeader = "X-Shopify-Webhook-Id"
)

const defaultFreshnessWindow = 5 * time.Minute

const defaultDomainPattern = `^[a-zA-Z0-9][a-zA-Z0-9\-]*\.myshopify\.com$`

// Verification failure reasons, carried as error metadata so rejection
// metrics can be broken down without string matching.
const (
	ReasonMissingSignature  = "missing_signature"
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonDomainNotAllowed  = "domain_not_allowed"
	ReasonStaleTimestamp    = "stale_timestamp"
)

const reasonMetadataKey = "verification_reason"

type Verifier interface {
	Verify(ctx context.Context, req core.InboundRequest) error
}

func verificationError(reason, message string) *goerrors.Error {
	return core.NewValidationError(message).
		WithMetadata(map[string]any{reasonMetadataKey: reason})
}

// VerificationReason extracts the failure reason from a verification error,
// or "" when the error carries none.
func VerificationReason(err error) string {
	var rich *goerrors.Error
	if !errors.As(err, &rich) || rich.Metadata == nil {
		return ""
	}
	reason, _ := rich.Metadata[reasonMetadataKey].(string)
	return reason
}

// HeaderHMACVerifier checks an HMAC-SHA256 signature computed over the exact
// raw body bytes. PreviousSecrets lets a rotated secret keep verifying
// in-flight deliveries signed with the old key.
type HeaderHMACVerifier struct {
	Header          string
	Prefix          string
	Secret          string
	PreviousSecrets []string
	Encoding        string // base64 | hex
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	header := strings.TrimSpace(core.HeaderValue(req.Headers, v.header()))
	if header == "" {
		return verificationError(
			ReasonMissingSignature,
			fmt.Sprintf("webhooks: %s signature header is required", v.header()),
		)
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return verificationError(ReasonMissingSignature, "webhooks: signature value is required")
	}

	var decoded []byte
	var err error
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "hex":
		decoded, err = hex.DecodeString(signature)
	default:
		decoded, err = base64.StdEncoding.DecodeString(signature)
	}
	if err != nil {
		return verificationError(
			ReasonSignatureMismatch,
			fmt.Sprintf("webhooks: decode signature: %v", err),
		)
	}

	secrets := make([]string, 0, 1+len(v.PreviousSecrets))
	if secret := strings.TrimSpace(v.Secret); secret != "" {
		secrets = append(secrets, secret)
	}
	for _, secret := range v.PreviousSecrets {
		if secret = strings.TrimSpace(secret); secret != "" {
			secrets = append(secrets, secret)
		}
	}
	if len(secrets) == 0 {
		return core.NewValidationError("webhooks: signature secret is required")
	}

	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		_, _ = mac.Write(req.Body)
		if subtle.ConstantTimeCompare(decoded, mac.Sum(nil)) == 1 {
			return nil
		}
	}
	return verificationError(ReasonSignatureMismatch, "webhooks: signature verification failed")
}

func (v HeaderHMACVerifier) header() string {
	if header := strings.TrimSpace(v.Header); header != "" {
		return header
	}
	return defaultSignatureHeader
}

// ShopWebhookVerifier layers the full inbound authenticity contract over the
// HMAC check: the source domain must match the allow-list or pattern, and a
// timestamp header, when present, must sit inside the freshness window in
// either direction.
type ShopWebhookVerifier struct {
	Secret          string
	PreviousSecrets []string
	SignatureHeader string
	DomainHeader    string
	TimestampHeader string

	AllowedDomains   []string
	DomainPattern    string
	FreshnessWindow  time.Duration
	RequireTimestamp bool

	Now func() time.Time

	patternOnce sync.Once
	pattern     *regexp.Regexp
	patternErr  error
}

func NewShopWebhookVerifier(secret string) *ShopWebhookVerifier {
	return &ShopWebhookVerifier{
		Secret:          strings.TrimSpace(secret),
		FreshnessWindow: defaultFreshnessWindow,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (v *ShopWebhookVerifier) Verify(ctx context.Context, req core.InboundRequest) error {
	if v == nil {
		return fmt.Errorf("webhooks: verifier is not configured")
	}

	if err := v.verifyDomain(req); err != nil {
		return err
	}
	if err := v.verifyFreshness(req); err != nil {
		return err
	}

	sigVerifier := HeaderHMACVerifier{
		Header:          v.signatureHeader(),
		Secret:          strings.TrimSpace(v.Secret),
		PreviousSecrets: v.PreviousSecrets,
		Encoding:        "base64",
	}
	return sigVerifier.Verify(ctx, req)
}

func (v *ShopWebhookVerifier) verifyDomain(req core.InboundRequest) error {
	domain := strings.TrimSpace(strings.ToLower(core.HeaderValue(req.Headers, v.domainHeader())))
	if domain == "" {
		return verificationError(
			ReasonDomainNotAllowed,
			fmt.Sprintf("webhooks: %s header is required", v.domainHeader()),
		)
	}
	for _, allowed := range v.AllowedDomains {
		if strings.EqualFold(strings.TrimSpace(allowed), domain) {
			return nil
		}
	}
	pattern, err := v.compiledPattern()
	if err != nil {
		return err
	}
	if pattern.MatchString(domain) {
		return nil
	}
	return verificationError(
		ReasonDomainNotAllowed,
		fmt.Sprintf("webhooks: source domain %q is not allowed", domain),
	)
}

func (v *ShopWebhookVerifier) verifyFreshness(req core.InboundRequest) error {
	raw := strings.TrimSpace(core.HeaderValue(req.Headers, v.timestampHeader()))
	if raw == "" {
		if v.RequireTimestamp {
			return verificationError(
				ReasonStaleTimestamp,
				fmt.Sprintf("webhooks: %s header is required", v.timestampHeader()),
			)
		}
		return nil
	}
	triggeredAt, err := parseWebhookTimestamp(raw)
	if err != nil {
		return verificationError(
			ReasonStaleTimestamp,
			fmt.Sprintf("webhooks: parse %s: %v", v.timestampHeader(), err),
		)
	}

	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now().UTC()
	}
	window := v.FreshnessWindow
	if window <= 0 {
		window = defaultFreshnessWindow
	}
	delta := now.Sub(triggeredAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > window {
		return verificationError(
			ReasonStaleTimestamp,
			"webhooks: delivery timestamp outside freshness window",
		)
	}
	return nil
}

// compiledPattern compiles DomainPattern exactly once; Verify is called from
// concurrent transport goroutines.
func (v *ShopWebhookVerifier) compiledPattern() (*regexp.Regexp, error) {
	v.patternOnce.Do(func() {
		raw := strings.TrimSpace(v.DomainPattern)
		if raw == "" {
			raw = defaultDomainPattern
		}
		compiled, err := regexp.Compile(raw)
		if err != nil {
			v.patternErr = fmt.Errorf("webhooks: compile domain pattern: %w", err)
			return
		}
		v.pattern = compiled
	})
	return v.pattern, v.patternErr
}

func (v *ShopWebhookVerifier) signatureHeader() string {
	if header := strings.TrimSpace(v.SignatureHeader); header != "" {
		return header
	}
	return defaultSignatureHeader
}

func (v *ShopWebhookVerifier) domainHeader() string {
	if header := strings.TrimSpace(v.DomainHeader); header != "" {
		return header
	}
	return defaultDomainHeader
}

func (v *ShopWebhookVerifier) timestampHeader() string {
	if header := strings.TrimSpace(v.TimestampHeader); header != "" {
		return header
	}
	return defaultTimestampHeader
}

func parseWebhookTimestamp(raw string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return parsed.UTC(), nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil && unix > 0 {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format %q", raw)
}

// SignPayload produces the signature value a sender would attach; used by
// callers that need to emit verifiable test traffic.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

var _ Verifier = HeaderHMACVerifier{}
var _ Verifier = (*ShopWebhookVerifier)(nil)
