// Package policy gates applies with Open Policy Agent (OPA) Rego policies.
//
// Every compiled instruction is turned into an Input document and evaluated
// against the deny set of each enabled policy. A deny element is either a
// message string or an object with "message" and "severity" fields. Error
// and critical violations reject the whole apply before any handler runs;
// info and warning violations are only logged.
//
// # Built-in Policies
//
//   - file-absolute-paths: file states must name an absolute path
//   - protected-paths: file.absent and file.managed must not target system roots
//   - command-guard: warns about cmd.run without a guard or reactive requisite
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/converge/policies"}); err != nil {
//	    return err
//	}
//	applier.Gate = eng
//
// # Writing Policies
//
// A .rego file is named after its file. Leading comment lines become its
// description:
//
//	# Services must come from the approved list.
//	package converge.custom.services
//
//	import rego.v1
//
//	approved := {"nginx", "postgresql"}
//
//	deny contains msg if {
//	    input.module == "service"
//	    not input.name in approved
//	    msg := sprintf("%s is not an approved service", [input.name])
//	}
//
// A .json file carries name, description, rego, severity and enabled fields.
//
// # Hot Reload
//
// Loader.Watch follows policy directories with fsnotify and calls the reload
// function after a short debounce. Engine.SetPolicies compiles the new set
// before swapping it in, so a broken file keeps the previous policies active.
package policy
