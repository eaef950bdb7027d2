package vision

import (
	"fmt"
	"strings"

	"forest-watch/internal/domain/port"
)

// Виды детекторов
const (
	DetectorDNN       = "dnn"
	DetectorHeuristic = "heuristic"
	DetectorScripted  = "scripted"
)

// DetectorConfig выбор и настройки детектора
type DetectorConfig struct {
	Kind          string
	ModelPath     string
	LabelsPath    string
	Labels        []string
	MinObjectness float64
}

// NewDetectorFactory проверяет настройки и возвращает фабрику детекторов для конвейеров.
func NewDetectorFactory(cfg DetectorConfig) (port.DetectorFactory, error) {
	switch strings.ToLower(cfg.Kind) {
	case DetectorDNN:
		labels := cfg.Labels
		if cfg.LabelsPath != "" {
			loaded, err := LoadLabels(cfg.LabelsPath)
			if err != nil {
				return nil, err
			}
			labels = loaded
		}
		dnn := DNNConfig{ModelPath: cfg.ModelPath, Labels: labels, MinObjectness: cfg.MinObjectness}
		return func() (port.Detector, error) {
			d, err := NewDNNDetector(dnn)
			if err != nil {
				return nil, err
			}
			return d, nil
		}, nil

	case DetectorHeuristic, "":
		return func() (port.Detector, error) {
			return NewHeuristicFireDetector(), nil
		}, nil

	case DetectorScripted:
		labels := cfg.Labels
		if len(labels) == 0 {
			labels = []string{"fire"}
		}
		return func() (port.Detector, error) {
			return NewScriptedDetector(labels), nil
		}, nil

	default:
		return nil, fmt.Errorf("unknown detector kind %q", cfg.Kind)
	}
}
