package syncapi

import (
	"github.com/goccy/go-json"
	"github.com/openmined/treesync/internal/syncmsg"
)

const (
	HeaderUserAgent       = "User-Agent"
	HeaderTreesyncVersion = "X-Treesync-Version"
	HeaderDeviceId        = "X-Treesync-Device-Id"
	HeaderSessionId       = "X-Treesync-Session-Id"
)

const (
	v1Version   = "/api/v1/apps/{app}/version"
	v1Changes   = "/api/v1/apps/{app}/changes"
	v1Subscribe = "/api/v1/apps/{app}/subscribe"
)

// VersionResponse is returned by the version and changes endpoints.
type VersionResponse struct {
	Version syncmsg.Version `json:"version"`
}

// for imroc/req
var jsonMarshal = json.Marshal
var jsonUnmarshal = json.Unmarshal
