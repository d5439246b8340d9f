// Copyright (c) 2025 FlowMesh Authors.
// Licensed under the MIT License.

// Package config 统一配置加载，支持 YAML 文件 + 环境变量覆盖。
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("FLOWMESH").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
package config
