package docstore

// Drivers selectable through DOCSTORE_DRIVER.
const (
	DriverContentLake = "contentlake"
	DriverPostgres    = "postgres"
	DriverMemory      = "memory"
)

// Config selects and configures a store backend. Services embed it in their own
// envconfig structs.
type Config struct {
	Driver      string `envconfig:"DOCSTORE_DRIVER" default:"contentlake"`
	ProjectID   string `envconfig:"DOCSTORE_PROJECT_ID"`
	Dataset     string `envconfig:"DOCSTORE_DATASET" default:"production"`
	APIVersion  string `envconfig:"DOCSTORE_API_VERSION" default:"2024-05-23"`
	WriteToken  string `envconfig:"DOCSTORE_WRITE_TOKEN"`
	APIHost     string `envconfig:"DOCSTORE_API_HOST"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
}

// CanWrite reports whether the configured backend accepts mutations. The hosted store
// needs a write token; self-hosted backends always can.
func (c Config) CanWrite() bool {
	if c.Driver == DriverContentLake || c.Driver == "" {
		return c.WriteToken != ""
	}
	return true
}
