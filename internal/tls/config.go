package tls

// Config enables HTTPS for the presentation API.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// Dir holds tls.crt and tls.key when CertFile/KeyFile are empty.
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	AutoGen      *AutoGen `mapstructure:"auto_gen"`
	MinVersion   string   `mapstructure:"min_version"`
	MaxVersion   string   `mapstructure:"max_version"`
}

// AutoGen tunes the self-signed certificate written when AutoGenerate is set.
type AutoGen struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Development returns a config that generates a localhost certificate in dir.
func Development(dir string) *Config {
	return &Config{
		Enabled:      true,
		Dir:          dir,
		AutoGenerate: true,
		AutoGen:      &AutoGen{CommonName: "localhost", DNSNames: []string{"localhost"}, IPAddresses: []string{"127.0.0.1"}, ValidDays: 365},
	}
}
