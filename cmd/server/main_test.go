package main

import "testing"

func TestHTTPAddrUsesConfiguredPort(t *testing.T) {
	if got := httpAddr(9090); got != ":9090" {
		t.Errorf("httpAddr(9090) = %q, want %q", got, ":9090")
	}
}

func TestHTTPAddrFallsBackToDefaultWhenPortIsNonPositive(t *testing.T) {
	for _, port := range []int{0, -1} {
		if got := httpAddr(port); got != ":8080" {
			t.Errorf("httpAddr(%d) = %q, want %q", port, got, ":8080")
		}
	}
}
