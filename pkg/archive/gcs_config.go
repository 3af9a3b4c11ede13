package archive

// GCSSinkConfig holds configuration for the GCS sink.
type GCSSinkConfig struct {
	Bucket string
	Prefix string
}
