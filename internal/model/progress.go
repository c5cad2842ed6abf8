package model

import "gorm.io/datatypes"

// Progress is the observational processing state shown by progress bars.
type Progress struct {
	Stage    string  `json:"stage"`
	Label    string  `json:"label"`
	Progress float64 `json:"progress"`
	Current  int     `json:"current,omitempty"`
	Total    int     `json:"total,omitempty"`
}

func (p Progress) Map() datatypes.JSONMap {
	m := datatypes.JSONMap{
		"stage":    p.Stage,
		"label":    p.Label,
		"progress": p.Progress,
	}
	if p.Total > 0 {
		m["current"] = p.Current
		m["total"] = p.Total
	}
	return m
}

// ProgressFromMap reads back a stored progress value. Unknown shapes yield zero progress.
func ProgressFromMap(m datatypes.JSONMap) Progress {
	var p Progress
	if m == nil {
		return p
	}
	p.Stage, _ = m["stage"].(string)
	p.Label, _ = m["label"].(string)
	p.Progress = toFloat(m["progress"])
	p.Current = int(toFloat(m["current"]))
	p.Total = int(toFloat(m["total"]))
	return p
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
