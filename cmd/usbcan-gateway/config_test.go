package main

import (
	"reflect"
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		link:         "serial",
		serialDev:    "/dev/null",
		baud:         115200,
		serialReadTO: 10 * time.Millisecond,
		listenAddr:   ":20100",
		handshakeTO:  time.Second,
		clientReadTO: time.Second,
		canIfs:       []string{"can0"},
		canTxSlots:   3,
		logFormat:    "text",
		logLevel:     "info",
		idleSleep:    100 * time.Microsecond,
		imuPeriod:    10 * time.Millisecond,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	c := validConfig()
	c.link = "tcp"
	c.mdnsEnable = true
	c.canIfs = []string{"can0", "can1", "can2"}
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badLink", func(c *appConfig) { c.link = "usb" }},
		{"noCAN", func(c *appConfig) { c.canIfs = nil }},
		{"tooManyCAN", func(c *appConfig) { c.canIfs = []string{"a", "b", "c", "d"} }},
		{"badTxSlots", func(c *appConfig) { c.canTxSlots = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badIdleSleep", func(c *appConfig) { c.idleSleep = -1 }},
		{"badIMUPeriod", func(c *appConfig) { c.imuGyroDir = "/x"; c.imuPeriod = 0 }},
		{"mdnsOnSerial", func(c *appConfig) { c.mdnsEnable = true }},
	}
	for _, tc := range tests {
		base := validConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" can0, ,can1,")
	if !reflect.DeepEqual(got, []string{"can0", "can1"}) {
		t.Fatalf("splitList = %v", got)
	}
	if splitList("") != nil {
		t.Fatalf("expected nil for empty list")
	}
}
