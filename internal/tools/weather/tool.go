package weather

import (
	"context"

	"github.com/haasonsaas/chatturn/internal/agent"
)

// ToolName is the name the model calls the weather tool by.
const ToolName = "getWeather"

// Params are the getWeather arguments.
type Params struct {
	Latitude  float64 `json:"latitude" jsonschema:"minimum=-90,maximum=90,description=Latitude in decimal degrees"`
	Longitude float64 `json:"longitude" jsonschema:"minimum=-180,maximum=180,description=Longitude in decimal degrees"`
}

// NewTool returns the getWeather tool backed by client.
func NewTool(client *Client) (agent.Tool, error) {
	return agent.NewTypedTool(ToolName, "Get the current weather at a location",
		func(ctx context.Context, p Params) (any, error) {
			return client.Forecast(ctx, p.Latitude, p.Longitude)
		})
}
