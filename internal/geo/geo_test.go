package geo

import (
	"math"
	"testing"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want float64 // meters
		tol  float64
	}{
		{name: "identical points", a: Point{Lat: 40, Lng: -75}, b: Point{Lat: 40, Lng: -75}, want: 0, tol: 1e-9},
		{name: "one millidegree of latitude", a: Point{Lat: 40.0000, Lng: -75.0000}, b: Point{Lat: 40.0010, Lng: -75.0000}, want: 111.19, tol: 0.05},
		{name: "equator to pole", a: Point{Lat: 0, Lng: 0}, b: Point{Lat: 90, Lng: 0}, want: 10007543, tol: 1},
		{name: "antipodal on equator", a: Point{Lat: 0, Lng: 0}, b: Point{Lat: 0, Lng: 180}, want: 20015086, tol: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			if math.Abs(got-tt.want) > tt.tol {
				t.Errorf("Distance() = %v, want %v ± %v", got, tt.want, tt.tol)
			}
		})
	}
}

func TestDistanceSymmetry(t *testing.T) {
	pairs := []struct{ a, b Point }{
		{Point{Lat: 40.0, Lng: -75.0}, Point{Lat: 40.001, Lng: -75.002}},
		{Point{Lat: -33.86, Lng: 151.2}, Point{Lat: 51.5, Lng: -0.12}},
		{Point{Lat: 0, Lng: 179.999}, Point{Lat: 0, Lng: -179.999}},
	}
	for _, p := range pairs {
		ab, ba := Distance(p.a, p.b), Distance(p.b, p.a)
		if math.Abs(ab-ba) > 1e-9 {
			t.Errorf("Distance(%v, %v) = %v but reversed = %v", p.a, p.b, ab, ba)
		}
	}
}

func TestWithinRadius(t *testing.T) {
	center := Point{Lat: 40.0000, Lng: -75.0000}
	tests := []struct {
		name   string
		radius float64
		point  Point
		want   bool
	}{
		{name: "at center", radius: 50, point: center, want: true},
		{name: "inside", radius: 150, point: Point{Lat: 40.0010, Lng: -75.0000}, want: true},
		{name: "outside", radius: 50, point: Point{Lat: 40.0010, Lng: -75.0000}, want: false},
		{name: "boundary counts as within", radius: Distance(center, Point{Lat: 40.0010, Lng: -75.0000}), point: Point{Lat: 40.0010, Lng: -75.0000}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithinRadius(center, tt.radius, tt.point); got != tt.want {
				t.Errorf("WithinRadius(%v, %v, %v) = %v, want %v", center, tt.radius, tt.point, got, tt.want)
			}
		})
	}
}

func TestPointValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Point
		wantErr bool
	}{
		{name: "ok", p: Point{Lat: 40, Lng: -75}},
		{name: "extremes ok", p: Point{Lat: -90, Lng: 180}},
		{name: "lat too big", p: Point{Lat: 90.01, Lng: 0}, wantErr: true},
		{name: "lng too small", p: Point{Lat: 0, Lng: -180.5}, wantErr: true},
		{name: "nan lat", p: Point{Lat: math.NaN(), Lng: 0}, wantErr: true},
		{name: "inf lng", p: Point{Lat: 0, Lng: math.Inf(1)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
