package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string

	ThingName string
	// BlockSize is the stream block size requested from the broker, in bytes.
	BlockSize uint32
	// WindowBlocks is how many blocks one stream request asks for.
	WindowBlocks uint32
	// StatusInterval publishes an IN_PROGRESS status every N received blocks.
	StatusInterval uint32
	ImageDir       string
	// FirmwareVersion is packed as major<<24 | minor<<16 | build.
	FirmwareVersion uint32
	HexUpper        bool

	SQLitePath      string
	SQLiteDSN       string
	ConnMaxLifetime time.Duration
	// SQLLog logs every statement at debug level.
	SQLLog bool
}

// LoadFromEnv reads the configuration from the environment. If OTA_CONFIG_FILE
// names a JSON-C file, its keys (same names as the variables) provide values
// for variables that are unset.
func LoadFromEnv() (Config, error) {
	src, err := newSource(strings.TrimSpace(os.Getenv("OTA_CONFIG_FILE")))
	if err != nil {
		return Config{}, err
	}

	appEnv := src.get("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(src.get("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	mqttPortStr := src.get("MQTT_PORT", "1883")
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}
	if mqttPort <= 0 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("MQTT_PORT out of range: %d", mqttPort)
	}

	thingName := src.get("THING_NAME", "cloudpico")
	if strings.ContainsAny(thingName, "/+#") {
		return Config{}, fmt.Errorf("invalid THING_NAME %q: must not contain '/', '+' or '#'", thingName)
	}

	blockSize, err := parseUint32(src, "OTA_BLOCK_SIZE", "1024")
	if err != nil {
		return Config{}, err
	}
	if blockSize < 256 || blockSize > 128*1024 {
		return Config{}, fmt.Errorf("OTA_BLOCK_SIZE must be between 256 and 131072, got %d", blockSize)
	}

	windowBlocks, err := parseUint32(src, "OTA_WINDOW_BLOCKS", "8")
	if err != nil {
		return Config{}, err
	}
	if windowBlocks == 0 {
		return Config{}, fmt.Errorf("OTA_WINDOW_BLOCKS must be positive")
	}

	statusInterval, err := parseUint32(src, "OTA_STATUS_INTERVAL", "16")
	if err != nil {
		return Config{}, err
	}
	if statusInterval == 0 {
		return Config{}, fmt.Errorf("OTA_STATUS_INTERVAL must be positive")
	}

	versionStr := src.get("FIRMWARE_VERSION", "0.0.0")
	version, err := ParseVersion(versionStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid FIRMWARE_VERSION %q: %w", versionStr, err)
	}

	hexUpperStr := src.get("HEX_UPPER", "false")
	hexUpper, err := strconv.ParseBool(hexUpperStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid HEX_UPPER %q: %w", hexUpperStr, err)
	}

	sqlLogStr := src.get("SQL_LOG", "false")
	sqlLog, err := strconv.ParseBool(sqlLogStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SQL_LOG %q: %w", sqlLogStr, err)
	}

	connMaxLifetimeStr := src.get("DB_CONN_MAX_LIFETIME", "0s")
	connMaxLifetime, err := time.ParseDuration(connMaxLifetimeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME %q: %w", connMaxLifetimeStr, err)
	}

	return Config{
		AppEnv:          appEnv,
		LogLevel:        level,
		HTTPAddr:        src.get("HTTP_ADDR", ":8080"),
		MQTTBroker:      src.get("MQTT_BROKER", "localhost"),
		MQTTPort:        mqttPort,
		MQTTClientID:    src.get("MQTT_CLIENT_ID", ""),
		ThingName:       thingName,
		BlockSize:       blockSize,
		WindowBlocks:    windowBlocks,
		StatusInterval:  statusInterval,
		ImageDir:        src.get("OTA_IMAGE_DIR", "../dev/images"),
		FirmwareVersion: version,
		HexUpper:        hexUpper,
		SQLitePath:      src.get("SQLITE_PATH", "../dev/sqlite/ota.db"),
		SQLiteDSN:       src.get("DB_DSN", ""),
		ConnMaxLifetime: connMaxLifetime,
		SQLLog:          sqlLog,
	}, nil
}

// ParseVersion accepts "major.minor.build" or a packed number such as
// "0x01020003".
func ParseVersion(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) == 1 {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, err
		}
		return uint32(v), nil
	}
	if len(parts) != 3 {
		return 0, fmt.Errorf("want major.minor.build")
	}
	major, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("major: %w", err)
	}
	minor, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("minor: %w", err)
	}
	build, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("build: %w", err)
	}
	return uint32(major)<<24 | uint32(minor)<<16 | uint32(build), nil
}

func parseUint32(src source, key, def string) (uint32, error) {
	s := src.get(key, def)
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return uint32(v), nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read OTA_CONFIG_FILE: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return source{}, fmt.Errorf("parse OTA_CONFIG_FILE %q: %w", path, err)
	}
	file := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			file[k] = v
		case float64:
			file[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			file[k] = strconv.FormatBool(v)
		default:
			return source{}, fmt.Errorf("OTA_CONFIG_FILE key %s: unsupported value %v", k, v)
		}
	}
	return source{file: file}, nil
}

func (s source) get(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(s.file[key]); v != "" {
		return v
	}
	return def
}
