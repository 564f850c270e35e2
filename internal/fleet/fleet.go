// Package fleet loads the sensor inventory file and registers its sensors
// with the store. Messages from sensors that are not registered are
// dead-lettered by the ingestion gateway, so the server provisions the
// inventory at start-up.
//
//	sensors:
//	  - sensor_id: NS-01
//	    name: North slope upper
//	    region: Ridge
//	    thresholds: {low: 20, medium: 40, high: 60, critical: 80}
//	  - sensor_id: NS-02
//	    name: North slope lower
//	    active: false
package fleet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/soilwatch/sentinel/internal/server/storage"
)

type fileThresholds struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

type fileSensor struct {
	SensorID   string          `yaml:"sensor_id"`
	Name       string          `yaml:"name"`
	Region     string          `yaml:"region"`
	Address    string          `yaml:"address"`
	Active     *bool           `yaml:"active"`
	Thresholds *fileThresholds `yaml:"thresholds"`
}

type inventoryFile struct {
	Sensors []fileSensor `yaml:"sensors"`
}

// Load reads and validates an inventory file. Sensors without thresholds get
// storage.DefaultThresholds; unset active defaults to true.
func Load(path string) ([]storage.Sensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fleet: read %s: %w", path, err)
	}
	return parse(raw, path)
}

func parse(raw []byte, path string) ([]storage.Sensor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var f inventoryFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("fleet: parse %s: %w", path, err)
	}

	var errs []error
	seen := make(map[string]bool, len(f.Sensors))
	out := make([]storage.Sensor, 0, len(f.Sensors))
	for i, fs := range f.Sensors {
		if fs.SensorID == "" || strings.ContainsAny(fs.SensorID, ".*> \t/") {
			errs = append(errs, fmt.Errorf("sensors[%d]: sensor_id %q must be a non-empty single subject token", i, fs.SensorID))
			continue
		}
		if seen[fs.SensorID] {
			errs = append(errs, fmt.Errorf("sensors[%d]: duplicate sensor_id %q", i, fs.SensorID))
			continue
		}
		seen[fs.SensorID] = true

		sn := storage.Sensor{
			SensorID:   fs.SensorID,
			Name:       fs.Name,
			Region:     fs.Region,
			Address:    fs.Address,
			IsActive:   fs.Active == nil || *fs.Active,
			Thresholds: storage.DefaultThresholds,
		}
		if sn.Name == "" {
			sn.Name = fs.SensorID
		}
		if fs.Thresholds != nil {
			sn.Thresholds = storage.Thresholds(*fs.Thresholds)
			if !sn.Thresholds.Valid() {
				errs = append(errs, fmt.Errorf("sensors[%d] (%s): thresholds must be positive and strictly increasing", i, fs.SensorID))
				continue
			}
		}
		out = append(out, sn)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("fleet: %s: %w", path, err)
	}
	return out, nil
}

// Registrar is the store subset Provision needs.
type Registrar interface {
	UpsertSensor(ctx context.Context, sn storage.Sensor) error
}

// Provision upserts every sensor. Liveness fields already recorded for a
// sensor are left alone by the store.
func Provision(ctx context.Context, store Registrar, sensors []storage.Sensor, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sn := range sensors {
		if err := store.UpsertSensor(ctx, sn); err != nil {
			return fmt.Errorf("fleet: provision %s: %w", sn.SensorID, err)
		}
	}
	logger.Info("fleet: sensors provisioned", slog.Int("count", len(sensors)))
	return nil
}
