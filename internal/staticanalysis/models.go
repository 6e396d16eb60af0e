package staticanalysis

// ManifestInfo 从 AndroidManifest.xml 提取的信息
type ManifestInfo struct {
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	SHA256      string `json:"sha256"`
	PackageName string `json:"package_name"`
	VersionName string `json:"version_name"`

	// 声明顺序，已去重
	Permissions []string `json:"permissions"`
}
