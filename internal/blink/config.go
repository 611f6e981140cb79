// Package blink is a client for the Blink camera cloud: the OAuth login
// flow (credentials, CSRF, 2FA, PKCE token exchange), session persistence,
// and the authenticated REST endpoints for cameras and clips.
package blink

const (
	DefaultOAuthURL     = "https://api.oauth.blink.com"
	DefaultTierURL      = "https://rest-prod.immedia-semi.com"
	DefaultVendorDomain = "immedia-semi.com"
	DefaultClientID     = "ios"
	DefaultRedirectURI  = "immedia-blink://applinks.blink.com/signin/callback"
	DefaultScope        = "client"
)

// Config holds the endpoints and app metadata sent during login. Hosts
// are configuration, not protocol, so tests and proxies can repoint them.
type Config struct {
	OAuthURL     string
	TierURL      string
	VendorDomain string

	// RESTURL replaces the tier host for REST calls. Empty derives the
	// host from the session.
	RESTURL string

	ClientID    string
	RedirectURI string
	Scope       string

	AppBrand        string
	AppVersion      string
	DeviceBrand     string
	DeviceModel     string
	DeviceOSVersion string
	UserAgent       string
}

// DefaultConfig returns the production endpoints with the metadata of the
// vendor's iOS app.
func DefaultConfig() Config {
	return Config{
		OAuthURL:        DefaultOAuthURL,
		TierURL:         DefaultTierURL,
		VendorDomain:    DefaultVendorDomain,
		ClientID:        DefaultClientID,
		RedirectURI:     DefaultRedirectURI,
		Scope:           DefaultScope,
		AppBrand:        "blink",
		AppVersion:      "50.1",
		DeviceBrand:     "Apple",
		DeviceModel:     "iPhone16,1",
		DeviceOSVersion: "26.1",
		UserAgent:       "Blink/2511191620 CFNetwork/3860.200.71 Darwin/25.1.0",
	}
}

// withDefaults fills empty fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()

	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}

	fill(&c.OAuthURL, d.OAuthURL)
	fill(&c.TierURL, d.TierURL)
	fill(&c.VendorDomain, d.VendorDomain)
	fill(&c.ClientID, d.ClientID)
	fill(&c.RedirectURI, d.RedirectURI)
	fill(&c.Scope, d.Scope)
	fill(&c.AppBrand, d.AppBrand)
	fill(&c.AppVersion, d.AppVersion)
	fill(&c.DeviceBrand, d.DeviceBrand)
	fill(&c.DeviceModel, d.DeviceModel)
	fill(&c.DeviceOSVersion, d.DeviceOSVersion)
	fill(&c.UserAgent, d.UserAgent)

	return c
}
