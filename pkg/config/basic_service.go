package config

// BasicService is a minimal service-related settings.
type BasicService struct {
	Enabled bool `yaml:"Enabled"`
	// Addresses holds the list of addresses to listen on in the form of
	// "address:port".
	Addresses []string `yaml:"Addresses"`
}

// GetAddresses returns the configured listen addresses.
func (s BasicService) GetAddresses() []string {
	addrs := make([]string, len(s.Addresses))
	copy(addrs, s.Addresses)
	return addrs
}
