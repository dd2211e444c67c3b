// Package mapsync keeps the map's courier layer in step with the latest
// snapshot by clearing it and redrawing every courier.
package mapsync

import (
	"courier-map/internal/courier"
)

// Handle identifies a primitive created by a Widget.
type Handle uint64

// Icon describes how courier markers are drawn.
type Icon struct {
	URL    string `json:"url,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// PathStyle describes how the origin to destiny line is drawn.
type PathStyle struct {
	Color     string  `json:"color,omitempty"`
	Weight    int     `json:"weight,omitempty"`
	Opacity   float64 `json:"opacity,omitempty"`
	DashArray string  `json:"dashArray,omitempty"`
}

// Widget is the map surface the engine draws on.
type Widget interface {
	CreateMarker(at courier.Location, icon Icon) Handle
	CreatePath(from, to courier.Location, style PathStyle) Handle
	AddToLayer(h Handle)
	ClearLayer()
}

// Kind tells markers and paths apart in the rendered set.
type Kind string

const (
	KindMarker Kind = "marker"
	KindPath   Kind = "path"
)

// Primitive is one drawn element. Markers have a single point; paths have two.
type Primitive struct {
	Handle    Handle
	Kind      Kind
	CourierID int
	Points    []courier.Location
}

// Engine owns the rendered layer set. Reconcile must not be called
// concurrently; the polling scheduler delivers one snapshot at a time.
type Engine struct {
	widget   Widget
	icon     Icon
	style    PathStyle
	rendered []Primitive
}

func NewEngine(w Widget, icon Icon, style PathStyle) *Engine {
	return &Engine{widget: w, icon: icon, style: style}
}

// Reconcile replaces everything on the layer with snapshot.
func (e *Engine) Reconcile(snapshot courier.Snapshot) {
	e.widget.ClearLayer()

	rendered := make([]Primitive, 0, 2*len(snapshot))
	for _, c := range snapshot {
		marker := e.widget.CreateMarker(c.Current, e.icon)
		e.widget.AddToLayer(marker)
		rendered = append(rendered, Primitive{
			Handle:    marker,
			Kind:      KindMarker,
			CourierID: c.ID,
			Points:    []courier.Location{c.Current},
		})

		path := e.widget.CreatePath(c.Origin, c.Destiny, e.style)
		e.widget.AddToLayer(path)
		rendered = append(rendered, Primitive{
			Handle:    path,
			Kind:      KindPath,
			CourierID: c.ID,
			Points:    []courier.Location{c.Origin, c.Destiny},
		})
	}
	e.rendered = rendered
}

// Teardown clears the layer and forgets the rendered set.
func (e *Engine) Teardown() {
	if len(e.rendered) > 0 {
		e.widget.ClearLayer()
	}
	e.rendered = nil
}

// Rendered returns a copy of the current layer set.
func (e *Engine) Rendered() []Primitive {
	out := make([]Primitive, len(e.rendered))
	for i, p := range e.rendered {
		p.Points = append([]courier.Location(nil), p.Points...)
		out[i] = p
	}
	return out
}
