package log

const (
	FormatPattern  = "pattern"
	FormatPrefixed = "prefixed"
	FormatJSON     = "json"

	DefaultPattern = "%time [%level] %field %msg\n"
	DefaultTime    = "2006-01-02 15:04:05.000"
)

type Config struct {
	Level   string          `mapstructure:"level"`
	Format  string          `mapstructure:"format"`
	Pattern string          `mapstructure:"pattern"`
	Time    string          `mapstructure:"time"`
	Colors  bool            `mapstructure:"colors"`
	File    FileAppenderOpt `mapstructure:"file"`
}

func DefaultConfig() *Config {
	return &Config{
		Level:   "info",
		Format:  FormatPattern,
		Pattern: DefaultPattern,
		Time:    DefaultTime,
	}
}
