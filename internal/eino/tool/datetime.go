package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// DateTimeTool gives the model a clock so relative dates in documents
// ("next Friday", "last quarter") can be resolved.
type DateTimeTool struct {
	now  func() time.Time
	info *schema.ToolInfo
}

func NewDateTimeTool() *DateTimeTool {
	return &DateTimeTool{
		now: time.Now,
		info: &schema.ToolInfo{
			Name: "get_current_time",
			Desc: "Return the current date, time and weekday. Use it before reasoning about relative dates.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"timezone": {
					Type: schema.String,
					Desc: "IANA zone such as Europe/Paris. UTC when omitted.",
				},
			}),
		},
	}
}

func (t *DateTimeTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return t.info, nil
}

func (t *DateTimeTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var args struct {
		Timezone string `json:"timezone"`
	}
	if strings.TrimSpace(argumentsInJSON) != "" {
		if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
			return "", fmt.Errorf("get_current_time: bad arguments: %w", err)
		}
	}

	zone := time.UTC
	if name := strings.TrimSpace(args.Timezone); name != "" {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return "", fmt.Errorf("get_current_time: unknown timezone %q", name)
		}
		zone = loc
	}

	now := t.now().In(zone)
	year, week := now.ISOWeek()
	var b strings.Builder
	fmt.Fprintf(&b, "Now: %s (%s)\n", now.Format("2006-01-02 15:04:05"), zone)
	fmt.Fprintf(&b, "Weekday: %s\n", now.Weekday())
	fmt.Fprintf(&b, "ISO week: %d-W%02d", year, week)
	return b.String(), nil
}
