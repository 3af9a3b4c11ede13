package securitygate

// Rules holds every deny-list and allow-list the analyzer consults. The
// zero value denies nothing; use DefaultRules as the starting point.
type Rules struct {
	// ForbiddenModules are matched against the first dotted segment of an
	// import, so "os" also covers "os.path".
	ForbiddenModules []string `yaml:"forbidden_modules" json:"forbidden_modules"`
	// ForbiddenCalls are dynamic-evaluation, introspection and raw socket
	// entry points, matched against the final identifier of a call target.
	ForbiddenCalls []string `yaml:"forbidden_calls" json:"forbidden_calls"`
	// ForbiddenAttributes are interpreter internals reachable via attribute access.
	ForbiddenAttributes []string `yaml:"forbidden_attributes" json:"forbidden_attributes"`
	// PersistenceHooks are host attribute paths that let a script outlive
	// the command that ran it.
	PersistenceHooks []string `yaml:"persistence_hooks" json:"persistence_hooks"`
	// HostOperatorPrefix is the attribute path under which host operators live.
	HostOperatorPrefix string `yaml:"host_operator_prefix" json:"host_operator_prefix"`
	// ForbiddenOperators are operator names relative to HostOperatorPrefix.
	ForbiddenOperators []string `yaml:"forbidden_operators" json:"forbidden_operators"`
	// ForbiddenNodeTypes may not be instantiated through a nodes.new/add call.
	ForbiddenNodeTypes []string `yaml:"forbidden_node_types" json:"forbidden_node_types"`

	NetworkCalls []string `yaml:"network_calls" json:"network_calls"`
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts"`
	// BridgePort and AuthHeader identify requests aimed back at the bridge
	// itself; those must carry the header literal.
	BridgePort string `yaml:"bridge_port" json:"bridge_port"`
	AuthHeader string `yaml:"auth_header" json:"auth_header"`

	FileCalls      []string `yaml:"file_calls" json:"file_calls"`
	ProtectedPaths []string `yaml:"protected_paths" json:"protected_paths"`

	SecretMarkers []string `yaml:"secret_markers" json:"secret_markers"`
}

// DefaultRules returns the rule set used for host scripts.
func DefaultRules() Rules {
	return Rules{
		ForbiddenModules: []string{
			"os", "subprocess", "shlex", "shutil", "socket", "posix", "pty",
			"google.auth", "google.oauth2", "requests.auth", "importlib", "builtins",
			"ctypes", "gc", "marshal", "pickle", "types", "inspect", "shelve",
			"http", "urllib", "ftplib", "telnetlib", "smtplib", "sys", "bpy",
			"multiprocessing", "threading", "asyncio", "signal", "resource",
		},
		ForbiddenCalls: []string{
			"eval", "exec", "getattr", "setattr", "delattr", "globals", "locals", "vars",
			"input", "__import__", "__builtins__", "compile", "breakpoint",
			"gethostbyname", "getaddrinfo", "create_connection",
		},
		ForbiddenAttributes: []string{
			"environ", "getenv", "__globals__", "__subclasses__", "__mro__", "__base__",
			"__bases__", "__class__", "__code__", "__getattribute__", "__dict__",
			"__builtins__", "__loader__", "__spec__", "f_globals", "f_locals", "gi_frame",
			"modules",
		},
		PersistenceHooks:   []string{"bpy.app.handlers", "bpy.app.timers"},
		HostOperatorPrefix: "bpy.ops.",
		ForbiddenOperators: []string{
			"wm.execute_python", "wm.read_homefile", "wm.open_mainfile", "wm.quit_blender",
			"wm.save_mainfile", "wm.save_as_mainfile", "wm.app_template_install",
			"wm.addon_install", "wm.addon_disable", "wm.addon_enable", "wm.addon_remove",
			"wm.path_open", "wm.shell_open", "wm.url_open", "preferences.addon_install",
			"preferences.addon_enable", "preferences.addon_disable", "script.python_file_run",
			"script.reload", "text.run_script",
		},
		ForbiddenNodeTypes: []string{"ShaderNodeScript"},
		NetworkCalls:       []string{"get", "post", "put", "patch", "delete", "head", "request", "urlopen"},
		AllowedHosts:       []string{"localhost", "127.0.0.1", "0.0.0.0", "::1"},
		BridgePort:         "22000",
		AuthHeader:         "X-Vibe-Token",
		FileCalls: []string{
			"open", "write", "Path", "mkdir", "makedirs", "remove", "rmdir", "unlink",
			"rename", "replace", "rmtree", "copy", "copyfile", "move", "write_text",
			"write_bytes", "read_text", "read_bytes", "touch", "listdir", "scandir",
		},
		ProtectedPaths: []string{
			"security_gate", "trusted_signatures.json", "trust.db", "metadata/",
			".gemini_security/", "policy_state", "audit_ledger", "airlock/", ".ssh", ".aws",
			".config/gcloud",
		},
		SecretMarkers: []string{"KEY", "SECRET", "TOKEN", "PASSWORD", "AUTH", "CREDENTIAL"},
	}
}

type ruleIndex struct {
	modules    map[string]bool
	calls      map[string]bool
	attributes map[string]bool
	operators  map[string]bool
	nodeTypes  map[string]bool
	network    map[string]bool
	hosts      map[string]bool
	fileCalls  map[string]bool
}

func setOf(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

func (r Rules) index() ruleIndex {
	return ruleIndex{
		modules:    setOf(r.ForbiddenModules),
		calls:      setOf(r.ForbiddenCalls),
		attributes: setOf(r.ForbiddenAttributes),
		operators:  setOf(r.ForbiddenOperators),
		nodeTypes:  setOf(r.ForbiddenNodeTypes),
		network:    setOf(r.NetworkCalls),
		hosts:      setOf(r.AllowedHosts),
		fileCalls:  setOf(r.FileCalls),
	}
}
