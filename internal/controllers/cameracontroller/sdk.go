package cameracontroller

import (
	"errors"
	"sync"

	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

// ErrNoCamera is returned by SDK.Open when no camera answers.
var ErrNoCamera = errors.New("camera: no camera detected")

// SDK is the vendor library surface the driver needs. All calls are made
// with the device gateway held.
type SDK interface {
	Open() error
	Close() error
	Temperature() (float64, error)
	SetTemperature(celsius float64) error
	FPS() (float64, error)
	MeasuredFPS() (float64, error)
	SetFPS(fps float64) error
	EMGain() (int, error)
	SetEMGain(gain int) error
	ApplyMode(mode model.CameraMode) error
}

// Simulator is an in-memory camera for bench use. The sensor moves
// toward its setpoint by TempStep degrees per read.
type Simulator struct {
	TempStep float64

	mu        sync.Mutex
	open      bool
	absent    bool
	unpowered bool
	temp      float64
	setpoint  float64
	fps       float64
	acquiring bool
	gain      int
	mode      model.CameraMode
	failNext  error
}

func NewSimulator() *Simulator {
	return &Simulator{TempStep: 5, temp: 20, setpoint: 20, gain: 1}
}

// SetAbsent makes Open fail with ErrNoCamera.
func (s *Simulator) SetAbsent(absent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absent = absent
}

// SetPowered(false) makes every call fail with ErrNoCamera, as when the
// supply is cut under a running camera.
func (s *Simulator) SetPowered(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unpowered = !on
	if !on {
		s.open = false
		s.acquiring = false
	}
}

// SetAcquiring toggles frame delivery, which MeasuredFPS reports.
func (s *Simulator) SetAcquiring(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquiring = on
}

// FailNext makes the next SDK call return err.
func (s *Simulator) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Simulator) Mode() model.CameraMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Simulator) Setpoint() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setpoint
}

func (s *Simulator) fail() error {
	if s.unpowered {
		return ErrNoCamera
	}
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Simulator) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	if s.absent {
		return ErrNoCamera
	}
	s.open = true
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *Simulator) Temperature() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}
	switch {
	case s.temp > s.setpoint:
		s.temp = max(s.setpoint, s.temp-s.TempStep)
	case s.temp < s.setpoint:
		s.temp = min(s.setpoint, s.temp+s.TempStep)
	}
	return s.temp, nil
}

func (s *Simulator) SetTemperature(c float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.setpoint = c
	return nil
}

func (s *Simulator) FPS() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}
	return s.fps, nil
}

func (s *Simulator) MeasuredFPS() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}
	if !s.acquiring {
		return 0, nil
	}
	return s.fps, nil
}

func (s *Simulator) SetFPS(fps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.fps = fps
	return nil
}

func (s *Simulator) EMGain() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}
	return s.gain, nil
}

func (s *Simulator) SetEMGain(gain int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.gain = gain
	return nil
}

func (s *Simulator) ApplyMode(mode model.CameraMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.mode = mode
	if mode.MaxFPS > 0 && s.fps > mode.MaxFPS {
		s.fps = mode.MaxFPS
	}
	return nil
}
