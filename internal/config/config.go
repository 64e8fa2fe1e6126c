// v2
// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

// Config captures all runtime settings for the controller. Values are
// layered: built-in defaults, then the properties file, then
// environment variables.
type Config struct {
	HTTPBind        string
	LogDir          string
	PropertiesPath  string
	ShutdownTimeout time.Duration
	TickInterval    time.Duration

	// Telemetry transport. Source selects kafka, mqtt, or none (samples
	// arrive only through the in-process ingest API, used in tests).
	TelemetrySource string
	KafkaBrokers    []string
	TelemetryTopic  string
	EventsTopic     string
	MQTTBroker      string
	MQTTTopicPrefix string
	JournalPath     string

	Intersection model.Intersection

	// Per-direction capacity calibration (vehicles at score 100).
	Capacities  map[string]int
	CapacityMin int
	CapacityMax int

	StalenessWindow time.Duration
	DropoutTimeout  time.Duration
	StaleStrikes    int

	EmergencyConfidence float64
	EmergencyGreen      time.Duration
	ClearBuffer         time.Duration
	QueuePolicy         string

	AlertCooldown time.Duration
}

const (
	defaultPropsPath   = "./configs/trafficd.properties"
	defaultCapacity    = 40
	defaultCapacityMin = 5
	defaultCapacityMax = 500
)

// Load resolves the full configuration. KAFKA_BROKERS is only required
// when the kafka telemetry source or an events topic is configured.
func Load() (*Config, error) {
	c := &Config{
		HTTPBind:        getenv("HTTP_BIND", ":8090"),
		LogDir:          getenv("LOG_DIR", "./logs"),
		PropertiesPath:  getenv("PROPERTIES_PATH", defaultPropsPath),
		ShutdownTimeout: 5 * time.Second,
		TickInterval:    time.Duration(geti("TICK_INTERVAL_MS", 250)) * time.Millisecond,
		TelemetrySource: strings.ToLower(getenv("TELEMETRY_SOURCE", "kafka")),
		KafkaBrokers:    split(getenv("KAFKA_BROKERS", ""), ","),
		TelemetryTopic:  getenv("TELEMETRY_TOPIC", "traffic.detections"),
		EventsTopic:     getenv("EVENTS_TOPIC", "traffic.signal.events"),
		MQTTBroker:      getenv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTTopicPrefix: getenv("MQTT_TOPIC_PREFIX", "traffic/detections/"),
		JournalPath:     getenv("JOURNAL_PATH", "./data/signal-events.jsonl"),
		CapacityMin:     defaultCapacityMin,
		CapacityMax:     defaultCapacityMax,
		QueuePolicy:     "fifo",
	}
	switch c.TelemetrySource {
	case "kafka", "mqtt", "none":
	default:
		return nil, fmt.Errorf("TELEMETRY_SOURCE %q not one of kafka|mqtt|none", c.TelemetrySource)
	}
	if c.TelemetrySource == "kafka" && len(c.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS required for kafka telemetry source")
	}
	if err := c.loadProperties(c.PropertiesPath); err != nil {
		return nil, err
	}
	if err := c.Intersection.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReloadProperties re-reads the properties file and returns the freshly
// built intersection so the scheduler can install it at a phase
// boundary. The receiver is not mutated on parse failure.
func (c *Config) ReloadProperties() (model.Intersection, error) {
	fresh := *c
	if err := fresh.loadProperties(c.PropertiesPath); err != nil {
		return model.Intersection{}, err
	}
	if err := fresh.Intersection.Validate(); err != nil {
		return model.Intersection{}, err
	}
	*c = fresh
	return c.Intersection, nil
}

func (c *Config) loadProperties(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	ix := model.Intersection{
		CycleBudget:  100 * time.Second,
		MinGreen:     10 * time.Second,
		MaxGreen:     80 * time.Second,
		YellowTime:   3 * time.Second,
		AllRedTime:   2 * time.Second,
		GroupBudgets: map[int]time.Duration{},
	}
	caps := map[string]int{}
	capDefault := defaultCapacity
	c.StalenessWindow = 5 * time.Second
	c.DropoutTimeout = 30 * time.Second
	c.StaleStrikes = 3
	c.EmergencyConfidence = 0.7
	c.EmergencyGreen = 60 * time.Second
	c.ClearBuffer = 10 * time.Second
	c.AlertCooldown = 300 * time.Second
	if c.QueuePolicy == "" {
		c.QueuePolicy = "fifo"
	}

	type group struct {
		idx     int
		members []string
	}
	var groups []group

	s := bufio.NewScanner(f)
	line := 0
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "//") {
			continue
		}
		k, v, ok := strings.Cut(text, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		switch {
		case k == "intersection":
			ix.ID = v
		case k == "directions":
			ix.Directions = split(v, ",")
		case strings.HasPrefix(k, "group."):
			idx, err := strconv.Atoi(strings.TrimPrefix(k, "group."))
			if err != nil {
				return fmt.Errorf("line %d: group index: %w", line, err)
			}
			groups = append(groups, group{idx: idx, members: split(v, ",")})
		case strings.HasPrefix(k, "budget."):
			idx, err := strconv.Atoi(strings.TrimPrefix(k, "budget."))
			if err != nil {
				return fmt.Errorf("line %d: budget index: %w", line, err)
			}
			d, err := seconds(v)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			ix.GroupBudgets[idx-1] = d
		case k == "cycle.budget":
			if ix.CycleBudget, err = seconds(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "min.green":
			if ix.MinGreen, err = seconds(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "max.green":
			if ix.MaxGreen, err = seconds(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "yellow.time":
			if ix.YellowTime, err = seconds(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "all.red.time":
			if ix.AllRedTime, err = seconds(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "capacity":
			if capDefault, err = strconv.Atoi(v); err != nil {
				return fmt.Errorf("line %d: capacity: %w", line, err)
			}
		case k == "capacity.min":
			if c.CapacityMin, err = strconv.Atoi(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "capacity.max":
			if c.CapacityMax, err = strconv.Atoi(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case strings.HasPrefix(k, "capacity."):
			d := strings.TrimPrefix(k, "capacity.")
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("line %d: capacity.%s: %w", line, d, err)
			}
			caps[d] = n
		case k == "staleness.window":
			if c.StalenessWindow, err = seconds(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "dropout.timeout":
			if c.DropoutTimeout, err = seconds(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "stale.strikes":
			if c.StaleStrikes, err = strconv.Atoi(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "emergency.confidence":
			if c.EmergencyConfidence, err = strconv.ParseFloat(v, 64); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "emergency.green":
			if c.EmergencyGreen, err = seconds(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "emergency.queue.policy":
			c.QueuePolicy = v
		case k == "clear.buffer":
			if c.ClearBuffer, err = seconds(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		case k == "alert.cooldown":
			if c.AlertCooldown, err = seconds(v); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		}
	}
	if err := s.Err(); err != nil {
		return err
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].idx < groups[j].idx })
	ix.Groups = nil
	for _, g := range groups {
		ix.Groups = append(ix.Groups, g.members)
	}
	if len(ix.Groups) == 0 && len(ix.Directions) > 0 {
		// No explicit layout: every direction conflicts with every other.
		for _, d := range ix.Directions {
			ix.Groups = append(ix.Groups, []string{d})
		}
	}
	if c.QueuePolicy != "fifo" {
		return fmt.Errorf("emergency.queue.policy %q not supported (only fifo)", c.QueuePolicy)
	}
	if c.EmergencyConfidence < 0 || c.EmergencyConfidence > 1 {
		return fmt.Errorf("emergency.confidence %.2f outside [0,1]", c.EmergencyConfidence)
	}

	for _, d := range ix.Directions {
		if _, ok := caps[d]; !ok {
			caps[d] = capDefault
		}
	}
	c.Intersection = ix
	c.Capacities = caps
	return nil
}

func seconds(v string) (time.Duration, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", v, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("duration %q: must not be negative", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func geti(k string, d int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return d
}

func split(s, sep string) []string {
	if s == "" {
		return nil
	}
	p := strings.Split(s, sep)
	out := make([]string, 0, len(p))
	for _, x := range p {
		x = strings.TrimSpace(x)
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}
