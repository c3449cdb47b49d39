package main

// 引入设备平台插件，触发各平台的 init() 完成注册
import (
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/brocade"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/ciena_saos"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/cisco_ios"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/cisco_iosxr"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/cubro"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/huawei_vrp"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/junos"
	_ "github.com/sshcollectorpro/clisession/addone/platform/platforms/nokia_sros"
)
