package policy

// BuiltinPolicies returns the policies loaded into every engine.
func BuiltinPolicies() []Policy {
	return []Policy{
		fileAbsolutePathsPolicy(),
		protectedPathsPolicy(),
		commandGuardPolicy(),
	}
}

// fileAbsolutePathsPolicy rejects file states whose target is not an absolute path.
func fileAbsolutePathsPolicy() Policy {
	return Policy{
		Name:        "file-absolute-paths",
		Description: "File states must name an absolute path",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package converge.builtin.files

import rego.v1

deny contains violation if {
	input.module == "file"
	not startswith(input.name, "/")
	violation := {
		"message": sprintf("%s.%s target %q must be an absolute path", [input.module, input.function, input.name]),
		"severity": "error",
	}
}`,
	}
}

// protectedPathsPolicy refuses to remove or replace system roots.
func protectedPathsPolicy() Policy {
	return Policy{
		Name:        "protected-paths",
		Description: "File states must not remove or replace top-level system directories",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package converge.builtin.protected

import rego.v1

protected := {"/", "/bin", "/boot", "/dev", "/etc", "/lib", "/proc", "/root", "/sbin", "/sys", "/usr", "/var"}

deny contains violation if {
	input.module == "file"
	input.function in {"absent", "managed"}
	trim_right(input.name, "/") in protected
	violation := {
		"message": sprintf("%s.%s must not target protected path %q", [input.module, input.function, input.name]),
		"severity": "critical",
	}
}

deny contains violation if {
	input.module == "file"
	input.function in {"absent", "managed"}
	input.name == "/"
	violation := {
		"message": sprintf("%s.%s must not target the root directory", [input.module, input.function]),
		"severity": "critical",
	}
}`,
	}
}

// commandGuardPolicy warns about commands that run on every apply.
func commandGuardPolicy() Policy {
	return Policy{
		Name:        "command-guard",
		Description: "cmd.run without a guard or reactive requisite runs on every apply",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package converge.builtin.commands

import rego.v1

guards := {"creates", "unless", "onlyif"}
reactive := {"onchanges", "watch", "listen", "prereq"}

guarded if {
	some g in guards
	input.arguments[g]
}

guarded if {
	some kind, refs in input.requisites
	kind in reactive
	count(refs) > 0
}

deny contains violation if {
	input.module == "cmd"
	input.function == "run"
	not guarded
	violation := {
		"message": sprintf("%s runs on every apply; add creates, unless, onlyif or an onchanges requisite", [input.id]),
		"severity": "warning",
	}
}`,
	}
}
