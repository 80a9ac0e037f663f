package availability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/slotreserve/internal/domain/reservation"
)

// StaticProvider serves a fixed roster. Doctors without an override follow
// the default plan.
type StaticProvider struct {
	def       WeeklyPlan
	overrides map[string]WeeklyPlan
	roster    map[string]struct{}
	daysOff   map[string]map[string]struct{}
}

func NewStaticProvider(def WeeklyPlan, doctors []string) *StaticProvider {
	p := &StaticProvider{
		def:       def,
		overrides: make(map[string]WeeklyPlan),
		roster:    make(map[string]struct{}, len(doctors)),
		daysOff:   make(map[string]map[string]struct{}),
	}
	for _, d := range doctors {
		if d = strings.TrimSpace(d); d != "" {
			p.roster[d] = struct{}{}
		}
	}
	return p
}

// Override gives doctorID its own plan and adds them to the roster.
func (p *StaticProvider) Override(doctorID string, plan WeeklyPlan) {
	p.roster[doctorID] = struct{}{}
	p.overrides[doctorID] = plan
}

// DayOff marks date (YYYY-MM-DD) as not worked by doctorID.
func (p *StaticProvider) DayOff(doctorID, date string) {
	if p.daysOff[doctorID] == nil {
		p.daysOff[doctorID] = make(map[string]struct{})
	}
	p.daysOff[doctorID][date] = struct{}{}
}

func (p *StaticProvider) DaySchedule(_ context.Context, doctorID string, date time.Time) (reservation.DaySchedule, error) {
	if _, ok := p.roster[doctorID]; !ok {
		return reservation.DaySchedule{}, reservation.ErrDoctorNotFound
	}
	plan, ok := p.overrides[doctorID]
	if !ok {
		plan = p.def
	}
	if _, off := p.daysOff[doctorID][date.Format(reservation.DateLayout)]; off {
		return reservation.DaySchedule{SlotMinutes: plan.SlotMinutes}, nil
	}
	return plan.On(date), nil
}

// doctorEntry is one doctor in a roster file.
type doctorEntry struct {
	ID          string   `mapstructure:"id"`
	Hours       string   `mapstructure:"hours"`
	Days        string   `mapstructure:"days"`
	SlotMinutes int      `mapstructure:"slot_minutes"`
	DaysOff     []string `mapstructure:"days_off"`
}

// LoadRoster reads a YAML, JSON or TOML roster file into p. Missing hours,
// days or slot_minutes fall back to fallbackHours, fallbackDays and the
// default plan's granularity.
//
//	doctors:
//	  - id: dr-rao
//	    hours: "08:00-12:00"
//	    days: "mon-thu"
//	    slot_minutes: 20
//	    days_off: ["2024-06-03"]
func (p *StaticProvider) LoadRoster(path, fallbackHours, fallbackDays string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read roster %s: %w", path, err)
	}
	var file struct {
		Doctors []doctorEntry `mapstructure:"doctors"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return fmt.Errorf("decode roster %s: %w", path, err)
	}

	for i, d := range file.Doctors {
		id := strings.TrimSpace(d.ID)
		if id == "" || strings.Contains(id, "/") {
			return fmt.Errorf("roster %s: doctor %d has invalid id %q", path, i, d.ID)
		}
		if d.Hours == "" && d.Days == "" && d.SlotMinutes == 0 {
			p.roster[id] = struct{}{}
		} else {
			plan, err := NewWeeklyPlan(orDefault(d.Hours, fallbackHours), orDefault(d.Days, fallbackDays), orDefaultInt(d.SlotMinutes, p.def.SlotMinutes))
			if err != nil {
				return fmt.Errorf("roster %s: doctor %s: %w", path, id, err)
			}
			p.Override(id, plan)
		}
		for _, day := range d.DaysOff {
			if _, err := time.Parse(reservation.DateLayout, day); err != nil {
				return fmt.Errorf("roster %s: doctor %s: invalid day off %q", path, id, day)
			}
			p.DayOff(id, day)
		}
	}
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
