package blink

import (
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/blink-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// Decoding follows one rule: id and name (id alone for clips) are
// required and a record missing them fails the whole response with
// ErrProtocol, since that means the API shape changed. Every other field
// falls back to the zero value noted on it.

// Network is a Blink system (a sync module and its cameras).
type Network struct {
	ID    int64
	Name  string
	Armed bool // false
}

// Camera is a full camera or a mini ("owl").
type Camera struct {
	ID          int64
	Name        string
	NetworkID   int64  // 0
	Thumbnail   string // "", no thumbnail yet
	Status      string // ""
	Enabled     bool   // false
	Battery     string // "", mains powered or unknown
	Type        string // ""
	Mini        bool
	WiFiSignal  int64 // 0
	Temperature int64 // 0
}

// Homescreen is the account overview.
type Homescreen struct {
	Networks []Network
	Cameras  []Camera
}

// Camera returns the camera or mini with the given id.
func (h *Homescreen) Camera(id int64) (*Camera, bool) {
	for i := range h.Cameras {
		if h.Cameras[i].ID == id {
			return &h.Cameras[i], true
		}
	}

	return nil, false
}

// CameraByName returns the first camera or mini with the given name.
func (h *Homescreen) CameraByName(name string) (*Camera, bool) {
	for i := range h.Cameras {
		if h.Cameras[i].Name == name {
			return &h.Cameras[i], true
		}
	}

	return nil, false
}

// Clip is one entry of the media-changed listing.
type Clip struct {
	ID          int64
	CreatedAt   time.Time // zero
	UpdatedAt   time.Time // zero
	Deleted     bool      // false
	DeviceID    int64     // 0
	DeviceName  string    // ""
	NetworkID   int64     // 0
	NetworkName string    // ""
	Type        string    // ""
	Source      string    // ""
	Watched     bool      // false
	Thumbnail   string    // ""
	Media       string    // "", clip not yet uploaded
}

// MediaPage is one page of the media-changed listing.
type MediaPage struct {
	Clips   []Clip
	Limit   int64 // 0
	PurgeID int64 // 0
}

func decodeHomescreen(body []byte) (*Homescreen, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decoding homescreen: invalid JSON: %w", apperrors.ErrProtocol)
	}

	root := gjson.ParseBytes(body)
	h := &Homescreen{}

	for i, n := range root.Get("networks").Array() {
		id, name, err := requireIDName(n, "networks", i)
		if err != nil {
			return nil, err
		}

		h.Networks = append(h.Networks, Network{
			ID:    id,
			Name:  name,
			Armed: n.Get("armed").Bool(),
		})
	}

	for _, group := range []struct {
		key  string
		mini bool
	}{{"cameras", false}, {"owls", true}} {
		for i, c := range root.Get(group.key).Array() {
			id, name, err := requireIDName(c, group.key, i)
			if err != nil {
				return nil, err
			}

			h.Cameras = append(h.Cameras, Camera{
				ID:          id,
				Name:        name,
				NetworkID:   c.Get("network_id").Int(),
				Thumbnail:   c.Get("thumbnail").String(),
				Status:      c.Get("status").String(),
				Enabled:     c.Get("enabled").Bool(),
				Battery:     c.Get("battery").String(),
				Type:        c.Get("type").String(),
				Mini:        group.mini,
				WiFiSignal:  c.Get("signals.wifi").Int(),
				Temperature: c.Get("signals.temp").Int(),
			})
		}
	}

	return h, nil
}

func decodeMediaPage(body []byte) (*MediaPage, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decoding media: invalid JSON: %w", apperrors.ErrProtocol)
	}

	root := gjson.ParseBytes(body)
	page := &MediaPage{
		Limit:   root.Get("limit").Int(),
		PurgeID: root.Get("purge_id").Int(),
	}

	for i, m := range root.Get("media").Array() {
		id := m.Get("id")
		if id.Type != gjson.Number {
			return nil, fmt.Errorf("decoding media[%d]: missing id: %w", i, apperrors.ErrProtocol)
		}

		page.Clips = append(page.Clips, Clip{
			ID:          id.Int(),
			CreatedAt:   parseTime(m.Get("created_at")),
			UpdatedAt:   parseTime(m.Get("updated_at")),
			Deleted:     m.Get("deleted").Bool(),
			DeviceID:    m.Get("device_id").Int(),
			DeviceName:  m.Get("device_name").String(),
			NetworkID:   m.Get("network_id").Int(),
			NetworkName: m.Get("network_name").String(),
			Type:        m.Get("type").String(),
			Source:      m.Get("source").String(),
			Watched:     m.Get("watched").Bool(),
			Thumbnail:   m.Get("thumbnail").String(),
			Media:       m.Get("media").String(),
		})
	}

	return page, nil
}

func requireIDName(r gjson.Result, group string, i int) (int64, string, error) {
	id := r.Get("id")
	name := r.Get("name")

	if id.Type != gjson.Number {
		return 0, "", fmt.Errorf("decoding %s[%d]: missing id: %w", group, i, apperrors.ErrProtocol)
	}

	if name.Type != gjson.String {
		return 0, "", fmt.Errorf("decoding %s[%d]: missing name: %w", group, i, apperrors.ErrProtocol)
	}

	return id.Int(), name.Str, nil
}

// parseTime accepts RFC 3339 with or without fractional seconds and
// returns the zero time for anything else.
func parseTime(r gjson.Result) time.Time {
	if r.Type != gjson.String {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, r.Str)
	if err != nil {
		return time.Time{}
	}

	return t
}
