// Package natmap 提供 NAT 网关发现与端口映射
//
// natmap 在本地网络中发现 NAT 网关，并通过 UPnP IGD 或 NAT-PMP
// 协商入站端口映射。
//
// # 快速开始
//
//	svc, err := natmap.New(natmap.WithSearchIntervals(5*time.Second, 5*time.Minute))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	if err := svc.StartDiscovery(); err != nil {
//	    log.Fatal(err)
//	}
//
//	for ev := range svc.Events() {
//	    if ev.Type != natmap.DeviceFound {
//	        continue
//	    }
//	    ip, err := ev.Device.GetExternalIP(ctx)
//	    ...
//	    m := natmap.NewMapping(natmap.TCP, 6000, 6000, 3600, "my-app")
//	    if _, err := ev.Device.CreatePortMap(ctx, m); err != nil {
//	        ...
//	    }
//	}
//
// # 异步操作
//
// 每个设备操作都有异步版本，返回可取消的 Operation：
//
//	op := dev.CreatePortMapAsync(ctx, m)
//	mapped, err := op.Wait(ctx)
//
// # 日志
//
// 日志默认写到 stderr，可以通过 SetLogOutput 或 SetLogHandler 重定向，
// 也可以用环境变量 NATMAP_LOG_LEVEL 调整子系统级别：
//
//	NATMAP_LOG_LEVEL=nat.upnp=debug,info
//
// # Fx 集成
//
//	app := fx.New(natmap.Module(), fx.Supply(cfg))
package natmap
