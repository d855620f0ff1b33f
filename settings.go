package softbridge

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	ini "gopkg.in/ini.v1"
)

// LotConfig describes one parking lot.
type LotConfig struct {
	Name             string
	ParkExt          string // short-code that triggers parking on blind transfer
	Context          string // context holding the numbered retrieval extensions
	Start, Stop      int
	Timeout          time.Duration
	MOHClass         string
	FindSlot         SlotPolicy
	ComebackToOrigin bool
	ComebackContext  string

	// DTMF features granted to the rescuer/rescued pair after retrieval:
	// "caller", "callee", "both" or "".
	ParkedCallTransfers string
	ParkedCallReparking string
	ParkedCallHangup    string
	ParkedCallRecording string
}

// Settings holds the feature-core configuration loaded from an ini file.
type Settings struct {
	featureDigitTimeout  time.Duration
	transferDigitTimeout time.Duration
	atxferNoAnswerTime   time.Duration
	notifyCaller         int

	courtesyTone string
	parkedPlay   string
	xferSound    string
	xferFailSnd  string

	soundBusy          string
	soundForbidden     string
	soundNoAnswer      string
	soundNotFound      string
	soundNotRegistered string
	soundInvalid       string
	soundInvalidPark   string

	monitorFormat   string
	monitorFilename string

	featureMap map[string]string
	appMap     []*Feature
	groups     map[string]map[string]string

	lots []*LotConfig
}

// DefaultSettings returns the built-in defaults, as if an empty ini file had
// been loaded.
func DefaultSettings() *Settings {
	s, _ := LoadSettings(ini.Empty())
	return s
}

// LoadSettings reads configuration from an ini file and validates it.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("general")
	s.featureDigitTimeout = time.Duration(sec.Key("featuredigittimeout").MustInt(1000)) * time.Millisecond
	s.transferDigitTimeout = time.Duration(sec.Key("transferdigittimeout").MustInt(3000)) * time.Millisecond
	s.atxferNoAnswerTime = time.Duration(sec.Key("atxfernoanswertimeout").MustInt(120000)) * time.Millisecond
	s.notifyCaller = sec.Key("notifycaller").MustInt(1)

	s.courtesyTone = sec.Key("courtesytone").String()
	s.parkedPlay = sec.Key("parkedplay").MustString("caller")
	s.xferSound = sec.Key("xfersound").MustString("beep")
	s.xferFailSnd = sec.Key("xferfailsound").MustString("beeperr")

	s.soundBusy = sec.Key("soundbusy").MustString("pbx-busy")
	s.soundForbidden = sec.Key("soundforbidden").MustString("pbx-forbidden")
	s.soundNoAnswer = sec.Key("soundnoanswer").MustString("pbx-no-answer")
	s.soundNotFound = sec.Key("soundnotfound").MustString("pbx-not-found")
	s.soundNotRegistered = sec.Key("soundnotregistered").MustString("pbx-not-registered")
	s.soundInvalid = sec.Key("soundinvalid").MustString("pbx-invalid")
	s.soundInvalidPark = sec.Key("soundinvalidpark").MustString("pbx-invalidpark")

	s.monitorFormat = sec.Key("monitorformat").MustString("wav")
	s.monitorFilename = sec.Key("monitorfilename").MustString("auto-%T-%C-%P")

	sec = cfg.Section("featuremap")
	s.featureMap = map[string]string{
		"blindxfer":  sec.Key("blindxfer").MustString("#"),
		"disconnect": sec.Key("disconnect").MustString("*"),
		"atxfer":     sec.Key("atxfer").MustString("*2"),
		"parkcall":   sec.Key("parkcall").MustString("*4"),
		"automon":    sec.Key("automon").MustString("*1"),
		"automixmon": sec.Key("automixmon").MustString("*3"),
	}

	sec = cfg.Section("applicationmap")
	for _, key := range sec.Keys() {
		f, err := parseAppMapEntry(key.Name(), key.String())
		if err != nil {
			return nil, err
		}
		s.appMap = append(s.appMap, f)
	}

	s.groups = make(map[string]map[string]string)
	for _, section := range cfg.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, "featuregroup_") {
			continue
		}
		group := make(map[string]string)
		for _, key := range section.Keys() {
			member := key.Name()
			if !s.knownFeature(member) {
				coreLog.Warnf("featuregroup %s: skipping unknown feature %s", name, member)
				continue
			}
			group[member] = strings.TrimSpace(key.String())
		}
		s.groups[strings.TrimPrefix(name, "featuregroup_")] = group
	}

	def, err := loadLot("default", cfg.Section("parking"))
	if err != nil {
		return nil, err
	}
	s.lots = append(s.lots, def)

	for _, section := range cfg.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, "parkinglot_") {
			continue
		}
		lot, err := loadLot(strings.TrimPrefix(name, "parkinglot_"), section)
		if err != nil {
			return nil, err
		}
		s.lots = append(s.lots, lot)
	}

	return s, nil
}

// parseAppMapEntry parses one applicationmap line:
// name => sequence,activateon,activatedby,app[,args[,moh]]
func parseAppMapEntry(name, value string) (*Feature, error) {
	parts := strings.SplitN(value, ",", 6)
	if len(parts) < 4 {
		return nil, fmt.Errorf("applicationmap %s: want sequence,activateon,activatedby,app[,args[,moh]]", name)
	}
	f := &Feature{Name: name, Sequence: strings.TrimSpace(parts[0])}

	switch strings.TrimSpace(parts[1]) {
	case "self":
		f.Flags |= FeatureOnSelf
	case "peer":
		f.Flags |= FeatureOnPeer
	default:
		return nil, fmt.Errorf("applicationmap %s: activateon must be self or peer", name)
	}
	switch strings.TrimSpace(parts[2]) {
	case "caller":
		f.Flags |= FeatureByCaller
	case "callee":
		f.Flags |= FeatureByCallee
	case "both":
		f.Flags |= FeatureByBoth
	default:
		return nil, fmt.Errorf("applicationmap %s: activatedby must be caller, callee or both", name)
	}

	f.App = strings.TrimSpace(parts[3])
	if len(parts) > 4 {
		f.AppArgs = strings.TrimSpace(parts[4])
	}
	if len(parts) > 5 {
		f.MOHClass = strings.TrimSpace(parts[5])
	}
	f.Handler = newDynamicHandler(f)
	return f, nil
}

func loadLot(name string, sec *ini.Section) (*LotConfig, error) {
	lot := &LotConfig{
		Name:             name,
		ParkExt:          sec.Key("parkext").MustString("700"),
		Context:          sec.Key("context").MustString("parkedcalls"),
		Timeout:          time.Duration(sec.Key("parkingtime").MustInt(45)) * time.Second,
		MOHClass:         sec.Key("parkedmusicclass").MustString("default"),
		ComebackToOrigin: sec.Key("comebacktoorigin").MustBool(true),
		ComebackContext:  sec.Key("comebackcontext").MustString("park-dial"),

		ParkedCallTransfers: sec.Key("parkedcalltransfers").MustString("caller"),
		ParkedCallReparking: sec.Key("parkedcallreparking").String(),
		ParkedCallHangup:    sec.Key("parkedcallhangup").String(),
		ParkedCallRecording: sec.Key("parkedcallrecording").String(),
	}

	pos := sec.Key("parkpos").MustString("701-750")
	start, stop, err := parseParkPos(pos)
	if err != nil {
		return nil, fmt.Errorf("parkinglot %s: %w", name, err)
	}
	lot.Start, lot.Stop = start, stop

	lot.FindSlot, err = parseSlotPolicy(sec.Key("findslot").MustString("first"))
	if err != nil {
		return nil, fmt.Errorf("parkinglot %s: %w", name, err)
	}
	return lot, nil
}

func parseParkPos(pos string) (int, int, error) {
	parts := strings.SplitN(pos, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad parkpos %q", pos)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("bad parkpos %q", pos)
	}
	stop, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("bad parkpos %q", pos)
	}
	if stop < start {
		return 0, 0, fmt.Errorf("bad parkpos %q", pos)
	}
	return start, stop, nil
}

func (s *Settings) FeatureDigitTimeout() time.Duration  { return s.featureDigitTimeout }
func (s *Settings) TransferDigitTimeout() time.Duration { return s.transferDigitTimeout }
func (s *Settings) AtxferNoAnswerTime() time.Duration   { return s.atxferNoAnswerTime }
func (s *Settings) NotifyCaller() int                   { return s.notifyCaller }

func (s *Settings) CourtesyTone() string  { return s.courtesyTone }
func (s *Settings) ParkedPlay() string    { return s.parkedPlay }
func (s *Settings) XferSound() string     { return s.xferSound }
func (s *Settings) XferFailSound() string { return s.xferFailSnd }

func (s *Settings) SoundBusy() string          { return s.soundBusy }
func (s *Settings) SoundForbidden() string     { return s.soundForbidden }
func (s *Settings) SoundNoAnswer() string      { return s.soundNoAnswer }
func (s *Settings) SoundNotFound() string      { return s.soundNotFound }
func (s *Settings) SoundNotRegistered() string { return s.soundNotRegistered }
func (s *Settings) SoundInvalid() string       { return s.soundInvalid }
func (s *Settings) SoundInvalidPark() string   { return s.soundInvalidPark }

func (s *Settings) MonitorFormat() string   { return s.monitorFormat }
func (s *Settings) MonitorFilename() string { return s.monitorFilename }

// FeatureMap returns the configured DTMF sequence for a built-in feature.
func (s *Settings) FeatureMap(name string) string { return s.featureMap[name] }

// ApplicationMap returns the user-defined features.
func (s *Settings) ApplicationMap() []*Feature { return s.appMap }

// FeatureGroup returns the members of a named feature group as a map from
// feature name to its per-group DTMF remap (empty string keeps the default).
func (s *Settings) FeatureGroup(name string) (map[string]string, bool) {
	g, ok := s.groups[name]
	return g, ok
}

// FeatureGroups returns the configured group names, sorted.
func (s *Settings) FeatureGroups() []string {
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// knownFeature reports whether name is a built-in or application-map feature.
func (s *Settings) knownFeature(name string) bool {
	if _, ok := s.featureMap[name]; ok {
		return true
	}
	for _, f := range s.appMap {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Lots returns the configured parking lots; the default lot is first.
func (s *Settings) Lots() []*LotConfig { return s.lots }

// DefaultLot returns the default lot config.
func (s *Settings) DefaultLot() *LotConfig { return s.lots[0] }
