// Package conf holds the decoded Bootstrap configuration shared by
// surge-server and surge-proxy.
package conf

// Bootstrap is the top-level configuration document, loaded as JSON (or
// YAML) through contrib/config.
type Bootstrap struct {
	Addresses []string `json:"addresses" yaml:"addresses"`
	Address   string   `json:"address" yaml:"address"`
	Port      int      `json:"port" yaml:"port"`

	// ListenAddress is surge-proxy's own browser-facing bind address.
	// Address/Addresses (the `address`/`addresses` key) is the origin
	// connect address in that executable, per spec.md §6's "bind / connect"
	// wording for the same key across the two executables.
	ListenAddress string `json:"listen_address" yaml:"listen_address"`

	Root       string `json:"root" yaml:"root"`
	ServerRoot string `json:"server_root" yaml:"server_root"`

	DefaultOutgoingStreams int `json:"default_outgoing_streams" yaml:"default_outgoing_streams"`
	MaxIncomingStreams     int `json:"max_incoming_streams" yaml:"max_incoming_streams"`
	StreamCount            int `json:"stream_count" yaml:"stream_count"`

	FilePacketSize int `json:"file_packet_size" yaml:"file_packet_size"`

	// SchedulingPolicy: 0 = SJF, 1 = RR, anything else is rejected at
	// startup.
	SchedulingPolicy int `json:"scheduling_policy" yaml:"scheduling_policy"`

	UseCache              bool   `json:"use_cache" yaml:"use_cache"`
	CachePath             string `json:"cache_path" yaml:"cache_path"`
	DownloadSuffix        string `json:"download_suffix" yaml:"download_suffix"`
	MaxBrowserConnections int    `json:"max_browser_connections" yaml:"max_browser_connections"`
	ThreadCount           int    `json:"thread_count" yaml:"thread_count"`

	// Transport selects "sctp" (native) or "tcpemu" (N+1 TCP connections).
	Transport string `json:"transport" yaml:"transport"`

	Log         *Log   `json:"log" yaml:"log"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
	PidFile     string `json:"pid_file" yaml:"pid_file"`
}

// Log configures contrib/log's zap+lumberjack sink.
type Log struct {
	Level      string `json:"level" yaml:"level"`
	Path       string `json:"path" yaml:"path"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// ResolveRoot returns ServerRoot if set, falling back to Root, matching
// the `root` / `server_root` alias.
func (b *Bootstrap) ResolveRoot() string {
	if b.ServerRoot != "" {
		return b.ServerRoot
	}
	return b.Root
}

// ResolveAddress returns Address if set, falling back to the first of
// Addresses, matching the `addresses` / `address` alias.
func (b *Bootstrap) ResolveAddress() string {
	if b.Address != "" {
		return b.Address
	}
	if len(b.Addresses) > 0 {
		return b.Addresses[0]
	}
	return ""
}

// ResolveListenAddress returns ListenAddress if set, falling back to
// ResolveAddress so a config that only sets `address` still works for a
// single-executable deployment.
func (b *Bootstrap) ResolveListenAddress() string {
	if b.ListenAddress != "" {
		return b.ListenAddress
	}
	return b.ResolveAddress()
}

// ResolveStreamCount returns the first non-zero of StreamCount,
// DefaultOutgoingStreams, MaxIncomingStreams, matching the three aliased
// stream-count keys.
func (b *Bootstrap) ResolveStreamCount() int {
	switch {
	case b.StreamCount > 0:
		return b.StreamCount
	case b.DefaultOutgoingStreams > 0:
		return b.DefaultOutgoingStreams
	case b.MaxIncomingStreams > 0:
		return b.MaxIncomingStreams
	default:
		return 1
	}
}
