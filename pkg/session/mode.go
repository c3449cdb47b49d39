package session

// Mode 会话模式
type Mode int

const (
	Unauthenticated Mode = iota
	Privileged
	Configuration
	CommittingConfiguration
)

func (m Mode) String() string {
	switch m {
	case Unauthenticated:
		return "unauthenticated"
	case Privileged:
		return "privileged"
	case Configuration:
		return "configuration"
	case CommittingConfiguration:
		return "committing_configuration"
	default:
		return "unknown"
	}
}

// transitions 允许的模式迁移；任意模式都可以回到 Unauthenticated（断开/重连）
var transitions = map[Mode][]Mode{
	Unauthenticated:         {Privileged},
	Privileged:              {Configuration},
	Configuration:           {CommittingConfiguration, Privileged},
	CommittingConfiguration: {Privileged},
}

// CanTransition 判断模式迁移是否合法
func CanTransition(from, to Mode) bool {
	if to == Unauthenticated || from == to {
		return true
	}
	for _, m := range transitions[from] {
		if m == to {
			return true
		}
	}
	return false
}
