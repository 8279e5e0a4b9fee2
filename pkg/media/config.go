package media

type Source string

const (
	SourceSynthetic Source = "synthetic"
	SourceFile      Source = "file"
	SourceDisabled  Source = "disabled"
)

type Config struct {
	// Where local media comes from. Synthetic by default.
	Source Source `yaml:"source"`
	// Ogg/Opus file played as the microphone when the source is `file`.
	AudioFile string `yaml:"audioFile"`
	// IVF (VP8/VP9) file played as the camera when the source is `file`.
	VideoFile string `yaml:"videoFile"`
}
