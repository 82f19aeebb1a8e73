package ads1115

import (
	"fmt"
	"time"

	"rcvehicle/internal/i2c"
)

var sleep = time.Sleep

// Minimal ADS1115 16-bit ADC driver: single-shot, single-ended reads.

const (
	addrDefault = 0x48

	regConversion = 0x00
	regConfig     = 0x01

	cfgOS         = 1 << 15 // start conversion / idle when read back
	cfgModeSingle = 1 << 8
	cfgCompQueOff = 0x03
)

// Full-scale range in volts for each PGA setting (bits 11:9).
var pgaFS = map[float64]uint16{
	6.144: 0,
	4.096: 1,
	2.048: 2,
	1.024: 3,
	0.512: 4,
	0.256: 5,
}

// Data rates in samples/s (bits 7:5).
var drBits = map[int]uint16{8: 0, 16: 1, 32: 2, 64: 3, 128: 4, 250: 5, 475: 6, 860: 7}

type Options struct {
	// FullScaleV is one of 6.144, 4.096, 2.048, 1.024, 0.512, 0.256.
	FullScaleV float64
	// RateSPS is one of 8, 16, 32, 64, 128, 250, 475, 860.
	RateSPS int
}

type Device struct {
	dev  regIO
	fsV  float64
	pga  uint16
	dr   uint16
	wait time.Duration
}

type regIO interface {
	ReadReg(reg byte, dst []byte) error
	Write(p []byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("ads1115: dev is nil")
	}
	return newWithIO(dev, opts)
}

func newWithIO(dev regIO, opts Options) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("ads1115: dev is nil")
	}
	if opts.FullScaleV == 0 {
		opts.FullScaleV = 4.096
	}
	if opts.RateSPS == 0 {
		opts.RateSPS = 128
	}
	pga, ok := pgaFS[opts.FullScaleV]
	if !ok {
		return nil, fmt.Errorf("ads1115: unsupported full scale %vV", opts.FullScaleV)
	}
	dr, ok := drBits[opts.RateSPS]
	if !ok {
		return nil, fmt.Errorf("ads1115: unsupported rate %dSPS", opts.RateSPS)
	}
	// One conversion period plus margin.
	wait := time.Second/time.Duration(opts.RateSPS) + 500*time.Microsecond
	return &Device{dev: dev, fsV: opts.FullScaleV, pga: pga, dr: dr, wait: wait}, nil
}

func (d *Device) config(channel int) uint16 {
	mux := uint16(0x04+channel) << 12 // AINx vs GND
	return cfgOS | mux | d.pga<<9 | cfgModeSingle | d.dr<<5 | cfgCompQueOff
}

// ReadVolts runs one single-shot conversion on AIN0..AIN3.
func (d *Device) ReadVolts(channel int) (float64, error) {
	if channel < 0 || channel > 3 {
		return 0, fmt.Errorf("ads1115: channel %d out of range", channel)
	}
	if err := i2c.WriteU16BE(d.dev, regConfig, d.config(channel)); err != nil {
		return 0, fmt.Errorf("ads1115: start conversion failed: %w", err)
	}
	sleep(d.wait)

	for i := 0; i < 3; i++ {
		cfg, err := i2c.ReadU16BE(d.dev, regConfig)
		if err != nil {
			return 0, fmt.Errorf("ads1115: config read failed: %w", err)
		}
		if cfg&cfgOS != 0 {
			raw, err := i2c.ReadU16BE(d.dev, regConversion)
			if err != nil {
				return 0, fmt.Errorf("ads1115: conversion read failed: %w", err)
			}
			return float64(int16(raw)) * d.fsV / 32768.0, nil
		}
		sleep(d.wait / 4)
	}
	return 0, fmt.Errorf("ads1115: conversion did not complete")
}
