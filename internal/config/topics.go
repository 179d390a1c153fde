package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// RecommendedTopics is the curated clinical topic catalog used by
// --recommended runs. Ordered roughly by care-setting frequency.
var RecommendedTopics = []string{
	"hypertension management",
	"type 2 diabetes treatment",
	"heart failure with reduced ejection fraction",
	"atrial fibrillation anticoagulation",
	"community acquired pneumonia",
	"asthma exacerbation",
	"chronic obstructive pulmonary disease",
	"major depressive disorder treatment",
	"anxiety disorders",
	"chronic kidney disease progression",
	"stroke prevention",
	"acute coronary syndrome",
	"osteoporosis treatment",
	"breast cancer screening",
	"colorectal cancer screening",
	"sepsis management",
	"venous thromboembolism prophylaxis",
	"obesity pharmacotherapy",
	"migraine prophylaxis",
	"gastroesophageal reflux disease",
}

// LoadTopicsFile reads a topics list from a file. YAML files must contain a
// sequence of strings; any other extension is read as one topic per line,
// with blank lines and #-comments skipped.
func LoadTopicsFile(path string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read topics file: %w", err)
		}
		var topics []string
		if err := yaml.Unmarshal(data, &topics); err != nil {
			return nil, fmt.Errorf("parse topics file: %w", err)
		}
		return cleanTopics(topics), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topics file: %w", err)
	}
	defer f.Close()

	var topics []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		topics = append(topics, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read topics file: %w", err)
	}
	return topics, nil
}

func cleanTopics(in []string) []string {
	out := in[:0]
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
