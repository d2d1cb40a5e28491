package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CalDAVSource is one remote calendar account.
type CalDAVSource struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Config struct {
	HomeserverURL string
	Username      string
	Password      string
	RoomIDs       []string
	DataDir       string
	PickleKey     string
	Timezone      *time.Location
	CommandTokens []string
	WeeklyCron    string
	LogLevel      string
	Sources       []CalDAVSource
}

func Load() (*Config, error) {
	homeserver := os.Getenv("MATRIX_SERVER_URL")
	if homeserver == "" {
		return nil, fmt.Errorf("MATRIX_SERVER_URL is required")
	}

	username := os.Getenv("MATRIX_BOT_USERNAME")
	if username == "" {
		return nil, fmt.Errorf("MATRIX_BOT_USERNAME is required")
	}

	password := os.Getenv("MATRIX_BOT_PASSWORD")
	if password == "" {
		return nil, fmt.Errorf("MATRIX_BOT_PASSWORD is required")
	}

	roomsRaw := os.Getenv("MATRIX_ROOM_IDS")
	if roomsRaw == "" {
		return nil, fmt.Errorf("MATRIX_ROOM_IDS is required")
	}
	var roomIDs []string
	for _, id := range strings.Split(roomsRaw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !strings.HasPrefix(id, "!") {
			return nil, fmt.Errorf("invalid room ID %q: must start with '!'", id)
		}
		roomIDs = append(roomIDs, id)
	}
	if len(roomIDs) == 0 {
		return nil, fmt.Errorf("MATRIX_ROOM_IDS contains no room IDs")
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}

	pickleKey := os.Getenv("PICKLE_KEY")
	if pickleKey == "" {
		pickleKey = "calbot.crypto"
	}

	tzName := os.Getenv("TIMEZONE")
	if tzName == "" {
		tzName = "UTC"
	}
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	tokens := []string{"!cal", "!calendar"}
	if raw := os.Getenv("COMMAND_TOKENS"); raw != "" {
		tokens = nil
		for _, t := range strings.Split(raw, ",") {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" {
				tokens = append(tokens, t)
			}
		}
		if len(tokens) == 0 {
			return nil, fmt.Errorf("COMMAND_TOKENS contains no tokens")
		}
	}

	weeklyCron := os.Getenv("WEEKLY_DIGEST_CRON")
	if weeklyCron == "" {
		weeklyCron = "0 9 * * 0" // Sunday 09:00
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	sources, err := loadSources()
	if err != nil {
		return nil, err
	}

	return &Config{
		HomeserverURL: homeserver,
		Username:      username,
		Password:      password,
		RoomIDs:       roomIDs,
		DataDir:       dataDir,
		PickleKey:     pickleKey,
		Timezone:      tz,
		CommandTokens: tokens,
		WeeklyCron:    weeklyCron,
		LogLevel:      logLevel,
		Sources:       sources,
	}, nil
}

// loadSources reads calendar accounts either from the YAML file pointed to
// by CALDAV_CONFIG (several accounts) or from the CALDAV_SERVER_URL /
// CALDAV_USERNAME / CALDAV_PASSWORD triple (single account).
func loadSources() ([]CalDAVSource, error) {
	if path := os.Getenv("CALDAV_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read CALDAV_CONFIG: %w", err)
		}
		var file struct {
			Sources []CalDAVSource `yaml:"sources"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse CALDAV_CONFIG: %w", err)
		}
		if len(file.Sources) == 0 {
			return nil, fmt.Errorf("CALDAV_CONFIG %s lists no sources", path)
		}
		for i, s := range file.Sources {
			if s.URL == "" {
				return nil, fmt.Errorf("CALDAV_CONFIG source %d has no url", i)
			}
			if s.Name == "" {
				file.Sources[i].Name = s.URL
			}
		}
		return file.Sources, nil
	}

	url := os.Getenv("CALDAV_SERVER_URL")
	if url == "" {
		return nil, fmt.Errorf("CALDAV_SERVER_URL or CALDAV_CONFIG is required")
	}
	name := os.Getenv("CALDAV_NAME")
	if name == "" {
		name = "default"
	}
	return []CalDAVSource{{
		Name:     name,
		URL:      url,
		Username: os.Getenv("CALDAV_USERNAME"),
		Password: os.Getenv("CALDAV_PASSWORD"),
	}}, nil
}

// IsAllowedRoom reports whether the bot answers commands in the given room.
func (c *Config) IsAllowedRoom(roomID string) bool {
	for _, id := range c.RoomIDs {
		if id == roomID {
			return true
		}
	}
	return false
}
