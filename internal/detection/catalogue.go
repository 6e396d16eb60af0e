package detection

// MonitoredPermissions 重点监控的 23 个权限
var MonitoredPermissions = []string{
	"android.permission.INTERNET",
	"android.permission.ACCESS_COARSE_LOCATION",
	"android.permission.ACCESS_FINE_LOCATION",
	"android.permission.GET_TASKS",
	"android.permission.CHANGE_WIFI_STATE",
	"android.permission.WRITE_EXTERNAL_STORAGE",
	"android.permission.READ_PHONE_STATE",
	"android.permission.SYSTEM_ALERT_WINDOW",
	"com.google.android.c2dm.permission.C2D_MESSAGE",
	"android.permission.CAMERA",
	"android.permission.ACCESS_NETWORK_STATE",
	"android.permission.ACCESS_WIFI_STATE",
	"android.permission.GET_ACCOUNTS",
	"android.permission.READ_EXTERNAL_STORAGE",
	"android.permission.RECEIVE_BOOT_COMPLETED",
	"android.permission.VIBRATE",
	"android.permission.WAKE_LOCK",
	"com.android.vending.BILLING",
	"com.google.android.c2dm.permission.RECEIVE",
	"com.google.android.gms.permission.BIND_GET_INSTALL_REFERRER_SERVICE",
	"android.permission.WRITE_SETTINGS",
	"com.android.launcher.permission.INSTALL_SHORTCUT",
	"android.permission.MOUNT_UNMOUNT_FILESYSTEMS",
}

// PatternRule 广告软件权限组合规则，规则内权限须全部出现才算命中
type PatternRule struct {
	Name        string
	Permissions []string
}

// AdwarePatterns 可疑权限组合
var AdwarePatterns = []PatternRule{
	{
		Name: "tracking",
		Permissions: []string{
			"android.permission.INTERNET",
			"android.permission.READ_PHONE_STATE",
			"android.permission.ACCESS_FINE_LOCATION",
		},
	},
	{
		Name: "overlay",
		Permissions: []string{
			"android.permission.SYSTEM_ALERT_WINDOW",
			"android.permission.INTERNET",
		},
	},
	{
		Name: "task_snooping",
		Permissions: []string{
			"android.permission.GET_TASKS",
			"android.permission.INTERNET",
			"android.permission.WRITE_EXTERNAL_STORAGE",
		},
	},
	{
		Name: "shortcut_injection",
		Permissions: []string{
			"com.android.launcher.permission.INSTALL_SHORTCUT",
			"android.permission.INTERNET",
		},
	},
}
