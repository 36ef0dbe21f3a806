package capability

import (
	"testing"

	"device-farm/internal/shared/model"
)

func device(udid string, mutate ...func(*model.Device)) *model.Device {
	d := &model.Device{
		UDID:       udid,
		Platform:   model.PlatformAndroid,
		SDK:        "13",
		DeviceType: model.DeviceTypeReal,
	}
	for _, fn := range mutate {
		fn(d)
	}
	return d
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		w3c  *model.W3CCapabilities
		want model.CapabilitySet
	}{
		{
			name: "基本字段提取",
			w3c: &model.W3CCapabilities{
				AlwaysMatch: map[string]any{
					"platformName":           "Android",
					"appium:udid":            "emulator-5554",
					"appium:platformVersion": "13",
					"appium:deviceType":      "real",
				},
			},
			want: model.CapabilitySet{
				Platform:        model.PlatformAndroid,
				UDID:            "emulator-5554",
				PlatformVersion: "13",
				DeviceType:      model.DeviceTypeReal,
			},
		},
		{
			name: "firstMatch 参与合并且 alwaysMatch 优先",
			w3c: &model.W3CCapabilities{
				AlwaysMatch: map[string]any{"platformName": "iOS"},
				FirstMatch: []map[string]any{
					{"platformName": "Android", "appium:udid": "iphone-1"},
				},
			},
			want: model.CapabilitySet{
				Platform: model.PlatformIOS,
				UDID:     "iphone-1",
			},
		},
		{
			name: "cloud 标记小写归一",
			w3c: &model.W3CCapabilities{
				AlwaysMatch: map[string]any{"appium:cloud": "LambdaTest"},
			},
			want: model.CapabilitySet{Cloud: "lambdatest"},
		},
		{
			name: "未识别字段进入 Extra",
			w3c: &model.W3CCapabilities{
				AlwaysMatch: map[string]any{
					"appium:app":  "/tmp/app.apk",
					"browserName": "chrome",
				},
			},
			want: model.CapabilitySet{},
		},
		{
			name: "空请求",
			w3c:  nil,
			want: model.CapabilitySet{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.w3c)
			if got.Platform != tt.want.Platform {
				t.Errorf("Platform = %q, want %q", got.Platform, tt.want.Platform)
			}
			if got.UDID != tt.want.UDID {
				t.Errorf("UDID = %q, want %q", got.UDID, tt.want.UDID)
			}
			if got.PlatformVersion != tt.want.PlatformVersion {
				t.Errorf("PlatformVersion = %q, want %q", got.PlatformVersion, tt.want.PlatformVersion)
			}
			if got.DeviceType != tt.want.DeviceType {
				t.Errorf("DeviceType = %q, want %q", got.DeviceType, tt.want.DeviceType)
			}
			if got.Cloud != tt.want.Cloud {
				t.Errorf("Cloud = %q, want %q", got.Cloud, tt.want.Cloud)
			}
		})
	}
}

func TestNormalizeExtraPassthrough(t *testing.T) {
	w3c := &model.W3CCapabilities{
		AlwaysMatch: map[string]any{
			"platformName": "Android",
			"appium:app":   "/tmp/app.apk",
			"browserName":  "chrome",
		},
	}
	got := Normalize(w3c)

	if _, ok := got.Extra["appium:app"]; !ok {
		t.Errorf("Extra 缺少 appium:app: %v", got.Extra)
	}
	if _, ok := got.Extra["browserName"]; !ok {
		t.Errorf("Extra 缺少 browserName: %v", got.Extra)
	}
	if _, ok := got.Extra["platformName"]; ok {
		t.Errorf("保留字段不应出现在 Extra 中: %v", got.Extra)
	}
}

func TestMatch(t *testing.T) {
	snapshot := []*model.Device{
		device("busy-1", func(d *model.Device) { d.Busy = true }),
		device("offline-1", func(d *model.Device) { d.Offline = true }),
		device("blocked-1", func(d *model.Device) { d.UserBlocked = true }),
		device("android-13"),
		device("android-12", func(d *model.Device) { d.SDK = "12" }),
		device("iphone-1", func(d *model.Device) {
			d.Platform = model.PlatformIOS
			d.SDK = "17.2"
			d.DeviceType = model.DeviceTypeSimulated
		}),
	}

	tests := []struct {
		name string
		cs   *model.CapabilitySet
		want []string
	}{
		{
			name: "平台过滤排除 busy/offline/userBlocked",
			cs:   &model.CapabilitySet{Platform: model.PlatformAndroid},
			want: []string{"android-12", "android-13"},
		},
		{
			name: "udid 精确匹配",
			cs:   &model.CapabilitySet{UDID: "android-12"},
			want: []string{"android-12"},
		},
		{
			name: "平台加版本",
			cs:   &model.CapabilitySet{Platform: model.PlatformAndroid, PlatformVersion: "13"},
			want: []string{"android-13"},
		},
		{
			name: "iOS 模拟器",
			cs:   &model.CapabilitySet{Platform: model.PlatformIOS, DeviceType: model.DeviceTypeSimulated},
			want: []string{"iphone-1"},
		},
		{
			name: "无约束返回全部空闲设备",
			cs:   &model.CapabilitySet{},
			want: []string{"android-12", "android-13", "iphone-1"},
		},
		{
			name: "无匹配",
			cs:   &model.CapabilitySet{Platform: model.PlatformAndroid, PlatformVersion: "14"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(tt.cs, snapshot)
			if len(got) != len(tt.want) {
				t.Fatalf("Match() 返回 %d 个候选, want %d", len(got), len(tt.want))
			}
			for i, d := range got {
				if d.UDID != tt.want[i] {
					t.Errorf("候选[%d] = %q, want %q", i, d.UDID, tt.want[i])
				}
			}
		})
	}
}

func TestMatchLRUOrdering(t *testing.T) {
	snapshot := []*model.Device{
		device("recent", func(d *model.Device) { d.LastCmdExecutedAt = 3000 }),
		device("oldest", func(d *model.Device) { d.LastCmdExecutedAt = 1000 }),
		device("middle", func(d *model.Device) { d.LastCmdExecutedAt = 2000 }),
		device("tie-b", func(d *model.Device) { d.LastCmdExecutedAt = 1000 }),
	}

	got := Match(&model.CapabilitySet{Platform: model.PlatformAndroid}, snapshot)
	want := []string{"oldest", "tie-b", "middle", "recent"}

	if len(got) != len(want) {
		t.Fatalf("Match() 返回 %d 个候选, want %d", len(got), len(want))
	}
	for i, d := range got {
		if d.UDID != want[i] {
			t.Errorf("候选[%d] = %q, want %q (LRU 排序)", i, d.UDID, want[i])
		}
	}
}

func TestNumberOverride(t *testing.T) {
	cs := &model.CapabilitySet{Extra: map[string]any{
		"appium:deviceAvailabilityTimeout": float64(30000),
		"deviceQueryInterval":              120,
	}}

	if v, ok := NumberOverride(cs, KeyAvailabilityTimeout); !ok || v != 30000 {
		t.Errorf("NumberOverride(availabilityTimeout) = %d %v, want 30000 true", v, ok)
	}
	if v, ok := NumberOverride(cs, KeyQueryInterval); !ok || v != 120 {
		t.Errorf("NumberOverride(queryInterval) = %d %v, want 120 true", v, ok)
	}
	if _, ok := NumberOverride(cs, "missingKey"); ok {
		t.Errorf("缺失的覆盖项不应返回 ok")
	}
	if _, ok := NumberOverride(nil, KeyQueryInterval); ok {
		t.Errorf("nil 能力集不应返回 ok")
	}
}
